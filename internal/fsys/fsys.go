// Package fsys is the filesystem capability used by download tasks.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// File is the subset of *os.File a transfer needs: sequential reads for
// digests and positioned writes for resume.
type File interface {
	io.Reader
	io.WriterAt
	io.Closer
}

// FS abstracts the ordinary-file operations tasks perform so tests can inject
// failures.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	MkdirAll(path string, perm fs.FileMode) error
	Open(name string) (File, error)
	OpenFile(name string, flag int, perm fs.FileMode) (File, error)
}

// OS is the real filesystem.
type OS struct{}

func (OS) Stat(name string) (fs.FileInfo, error)       { return os.Stat(name) }
func (OS) Remove(name string) error                    { return os.Remove(name) }
func (OS) Rename(oldpath, newpath string) error        { return os.Rename(oldpath, newpath) }
func (OS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (OS) Open(name string) (File, error)              { return os.Open(name) }
func (OS) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

// FreeSpace reports the bytes available to unprivileged users in dir.
func (OS) FreeSpace(dir string) (uint64, error) { return freeSpace(dir) }

// SpaceReporter is implemented by filesystems that can report free space.
type SpaceReporter interface {
	FreeSpace(dir string) (uint64, error)
}

// ErrNoSpace is returned by EnsureSpace.
var ErrNoSpace = errors.New("not enough free space")

// EnsureSpace fails with ErrNoSpace when fsys reports fewer than need free
// bytes in dir. Filesystems that cannot report free space always pass.
func EnsureSpace(fsys FS, dir string, need int64) error {
	sr, ok := fsys.(SpaceReporter)
	if !ok || need <= 0 {
		return nil
	}
	free, err := sr.FreeSpace(dir)
	if err != nil {
		return nil
	}
	if free < uint64(need) {
		return fmt.Errorf("%w: need %d bytes in %s, have %d", ErrNoSpace, need, dir, free)
	}
	return nil
}

// Size returns the size of a regular file and whether it exists.
func Size(fsys FS, name string) (int64, bool) {
	fi, err := fsys.Stat(name)
	if err != nil || fi.IsDir() {
		return 0, false
	}
	return fi.Size(), true
}

// Exists reports whether name exists as a regular file.
func Exists(fsys FS, name string) bool {
	_, ok := Size(fsys, name)
	return ok
}

// RemoveIfExists deletes name, treating a missing file as success.
func RemoveIfExists(fsys FS, name string) error {
	if err := fsys.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
