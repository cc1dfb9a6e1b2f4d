// Package resume holds the pure decisions behind resumable downloads: temp
// file naming, whether files already on disk satisfy a target, post-download
// verification and the policy that decides whether a settled task re-runs.
package resume

import (
	"fmt"
	"path/filepath"

	"github.com/tinoosan/dlgroup/internal/checksum"
	"github.com/tinoosan/dlgroup/internal/data"
	"github.com/tinoosan/dlgroup/internal/fsys"
)

// NoChecksum is the temp-name segment used when no checksum is configured.
const NoChecksum = "nomd5"

// MaxNameLength bounds the base name of a local file.
const MaxNameLength = 200

const tempInfix = ".tmp."

// TempPath returns <localPath>.tmp.<checksum|nomd5>. Changing the checksum
// changes the name, so stale partial data from another revision is never
// resumed.
func TempPath(localPath, sum string) string {
	sum = checksum.Normalize(sum)
	if sum == "" {
		sum = NoChecksum
	}
	return localPath + tempInfix + sum
}

// CheckName rejects local paths whose base name is too long to also carry
// the temp suffix.
func CheckName(localPath string) error {
	if n := len(filepath.Base(localPath)); n > MaxNameLength {
		return fmt.Errorf("%w: file name is %d characters, limit is %d", data.ErrValidation, n, MaxNameLength)
	}
	return nil
}

// LocalPresent reports whether localPath exists and is non-empty.
func LocalPresent(fs fsys.FS, localPath string) bool {
	n, ok := fsys.Size(fs, localPath)
	return ok && n > 0
}

// Digest returns the hex checksum of the file at path.
func Digest(fs fsys.FS, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return checksum.Reader(f)
}

// Matches reports whether path is non-empty and its digest equals sum.
func Matches(fs fsys.FS, path, sum string) bool {
	if checksum.Normalize(sum) == "" || !LocalPresent(fs, path) {
		return false
	}
	got, err := Digest(fs, path)
	if err != nil {
		return false
	}
	return checksum.Equal(got, sum)
}

// Verify checks a finished file against the caller checksum and the
// transport's Content-MD5 header value. Either match is sufficient; when
// neither is supplied the file passes.
func Verify(fs fsys.FS, path, expected, contentMD5 string) (bool, error) {
	headerSum, _ := checksum.FromContentMD5(contentMD5)
	if checksum.Normalize(expected) == "" && headerSum == "" {
		return true, nil
	}
	got, err := Digest(fs, path)
	if err != nil {
		return false, fmt.Errorf("%w: digest %s: %v", data.ErrResource, path, err)
	}
	return checksum.Equal(got, headerSum) || checksum.Equal(got, expected), nil
}

// Decision is the outcome of the resume policy for one task.
type Decision struct {
	Requeue       bool
	ClearProgress bool
}

// Decide applies the resume policy to a task in state st.
//
//	Prepared/Started/Downloading: nothing, the task is already in flight.
//	Success: re-run from zero only if the local file disappeared.
//	Stopped/Error: always re-run, keeping progress when a temp file exists.
func Decide(st data.State, localExists, tempExists bool) Decision {
	switch st {
	case data.StateSuccess:
		if !localExists {
			return Decision{Requeue: true, ClearProgress: true}
		}
	case data.StateStopped, data.StateError:
		return Decision{Requeue: true, ClearProgress: !tempExists}
	}
	return Decision{}
}
