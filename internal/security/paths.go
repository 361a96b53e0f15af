// Package security guards file names that arrive from outside the
// process before they reach a filesystem.
package security

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrUnsafePath reports a name that could escape its root directory.
var ErrUnsafePath = errors.New("unsafe path")

// JoinWithin joins a slash-separated relative name onto root, rejecting
// names that are empty, absolute, contain a ".." element, a backslash or
// a NUL byte. The check is lexical so it also holds for in-memory
// filesystems.
func JoinWithin(root, name string) (string, error) {
	switch {
	case name == "":
		return "", fmt.Errorf("empty name: %w", ErrUnsafePath)
	case strings.ContainsAny(name, "\\\x00"):
		return "", fmt.Errorf("%q: illegal character: %w", name, ErrUnsafePath)
	case path.IsAbs(name):
		return "", fmt.Errorf("%q: absolute path: %w", name, ErrUnsafePath)
	}
	for _, elem := range strings.Split(name, "/") {
		if elem == ".." {
			return "", fmt.Errorf("%q: parent reference: %w", name, ErrUnsafePath)
		}
	}
	return path.Join(root, path.Clean(name)), nil
}

// HasExtension reports whether name ends in one of exts, ignoring case.
func HasExtension(name string, exts ...string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
