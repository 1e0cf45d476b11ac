// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsutil keeps paths derived from remote input inside the directory
// they are meant to land in.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path would resolve outside its root.
var ErrOutsideRoot = errors.New("path escapes root")

// ConfineRelPath joins rel onto root and returns the result only if it stays
// underneath root after cleaning and symlink resolution. rel must be
// relative and use forward slashes. root must exist.
func ConfineRelPath(root, rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	return resolveWithin(realRoot, filepath.Join(realRoot, filepath.FromSlash(clean)))
}

// ConfineRemotePath joins rel onto the slash-separated remote dir, refusing
// names that would climb out of it.
func ConfineRemotePath(dir, rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	return path.Join(dir, clean), nil
}

// cleanRel rejects empty, absolute and parent-climbing names.
func cleanRel(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty name", ErrOutsideRoot)
	}
	if strings.Contains(rel, "\\") {
		return "", fmt.Errorf("%w: backslash in %q", ErrOutsideRoot, rel)
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return clean, nil
}

// resolveWithin follows symlinks on the deepest existing ancestor of full
// and checks the result is still under realRoot.
func resolveWithin(realRoot, full string) (string, error) {
	existing, rest := full, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", existing, err)
	}
	candidate := filepath.Join(resolved, rest)
	r, err := filepath.Rel(realRoot, candidate)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, candidate)
	}
	return candidate, nil
}
