// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ftp

import (
	"path"
	"strings"
	"unicode"
)

// Entry is one child of a listed remote directory.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// ListTier identifies the listing command that produced a result.
type ListTier string

const (
	TierDetailed ListTier = "LIST"
	TierNameOnly ListTier = "NLST"
	TierMachine  ListTier = "MLSD"
)

// fileExtensions short-circuits name-only classification: a name with one of
// these suffixes is a file and is never probed with CWD.
var fileExtensions = []string{
	".ts", ".m3u8", ".jpg", ".jpeg", ".png", ".mp4", ".avi", ".mkv", ".mov", ".flv", ".webm",
}

// HasFileExtension reports whether name ends in a known media or image extension.
func HasFileExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range fileExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// parseListLines parses Unix-style LIST output. The permission token decides
// directory vs file; everything after the eighth field is the name. Lines
// that do not look like Unix listings (e.g. "total 12") are skipped.
func parseListLines(lines []string) []Entry {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, ok := parseListLine(line)
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func parseListLine(line string) (Entry, bool) {
	flags, name, ok := splitListLine(line)
	if !ok || len(flags) == 0 {
		return Entry{}, false
	}
	switch flags[0] {
	case 'd':
		if name == "." || name == ".." {
			return Entry{}, false
		}
		return Entry{Name: name, IsDir: true}, true
	case 'l':
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}
		return Entry{Name: name}, true
	case '-':
		return Entry{Name: name}, true
	default:
		return Entry{}, false
	}
}

// splitListLine returns the first field and the remainder after eight fields.
func splitListLine(line string) (flags, name string, ok bool) {
	rest := strings.TrimRightFunc(line, unicode.IsSpace)
	for i := 0; i < 8; i++ {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return "", "", false
		}
		if i == 0 {
			flags = rest[:end]
		}
		rest = rest[end:]
	}
	name = strings.TrimLeftFunc(rest, unicode.IsSpace)
	if name == "" {
		return "", "", false
	}
	return flags, name, true
}

// parseMachineLines parses MLSD output ("fact=value;fact=value; name").
// Entries without a usable type fact are omitted.
func parseMachineLines(lines []string) []Entry {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		facts, name, found := strings.Cut(line, " ")
		if !found || name == "" {
			continue
		}
		kind := ""
		for _, fact := range strings.Split(facts, ";") {
			k, v, ok := strings.Cut(fact, "=")
			if ok && strings.EqualFold(k, "type") {
				kind = strings.ToLower(v)
				break
			}
		}
		switch kind {
		case "dir":
			entries = append(entries, Entry{Name: name, IsDir: true})
		case "file":
			entries = append(entries, Entry{Name: name})
		}
	}
	return entries
}

// cleanNames normalises NLST output: some servers return paths instead of
// bare names, and may include "." and "..".
func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if strings.Contains(n, "/") {
			n = path.Base(n)
		}
		if n == "." || n == ".." || n == "/" {
			continue
		}
		out = append(out, n)
	}
	return out
}
