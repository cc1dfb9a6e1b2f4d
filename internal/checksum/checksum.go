// Package checksum computes the content digests used to validate downloads.
//
// Digests are hex-encoded MD5, compared case-insensitively. A transport may
// also announce the digest through a Content-MD5 header (base64); FromContentMD5
// converts that form into the same hex representation.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Header is the response header carrying a base64 MD5 of the body.
const Header = "Content-MD5"

// Normalize trims surrounding whitespace and lowercases a hex digest.
func Normalize(sum string) string {
	return strings.ToLower(strings.TrimSpace(sum))
}

// Equal reports whether two digests match. Blank digests never match.
func Equal(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	return a != "" && a == b
}

// Reader consumes r and returns its hex digest.
func Reader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the hex digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, err := Reader(f)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return sum, nil
}

// FromContentMD5 decodes a Content-MD5 header value into a hex digest. It
// returns false when the value is blank or not valid base64.
func FromContentMD5(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", false
	}
	return hex.EncodeToString(b), true
}

// ContentMD5 returns the Content-MD5 header value for the bytes in r.
func ContentMD5(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
