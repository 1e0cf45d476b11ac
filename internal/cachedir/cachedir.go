// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cachedir manages the local cache directories that hold
// materialized HLS assets: naming, listing, age-based eviction under a
// count cap, and purging. Only immediate subdirectories of the cache root
// whose name carries the cache prefix are ever touched, and the directory in
// use by the player is never removed by eviction.
package cachedir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// DefaultPrefix names cache directories.
const DefaultPrefix = "hls_cache_"

// ErrEmptyPrefix guards against operating on arbitrary directories.
var ErrEmptyPrefix = errors.New("cachedir: empty prefix")

// Dir is one cache directory.
type Dir struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	ModTime time.Time `json:"modTime"`
	Active  bool      `json:"active"`
}

// Report summarises an eviction or purge pass.
type Report struct {
	Found     int      `json:"found"`
	Removed   []string `json:"removed,omitempty"`
	Failed    int      `json:"failed"`
	Remaining int      `json:"remaining"`
	Protected string   `json:"protected,omitempty"`
}

// List returns the cache directories under root, oldest first (ties by name).
func List(root, prefix, active string) ([]Dir, error) {
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	active = cleanAbs(active)
	dirs := make([]Dir, 0, len(entries))
	for _, e := range entries {
		// Symlinks report a non-directory type and are never followed.
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(root, e.Name())
		dirs = append(dirs, Dir{
			Path:    p,
			Name:    e.Name(),
			ModTime: info.ModTime(),
			Active:  active != "" && within(cleanAbs(p), active),
		})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].ModTime.Equal(dirs[j].ModTime) {
			return dirs[i].Name < dirs[j].Name
		}
		return dirs[i].ModTime.Before(dirs[j].ModTime)
	})
	return dirs, nil
}

// Evict removes the oldest cache directories until at most maxDirs remain. The
// directory holding active is skipped and does not count as a removal.
// Failures are logged and counted, never returned.
func Evict(root, prefix string, maxDirs int, active string) Report {
	logger := xlog.WithComponent("cache")
	dirs, err := List(root, prefix, active)
	if err != nil {
		logger.Warn().Err(err).Str(xlog.FieldEvent, "cache.list_failed").Str(xlog.FieldPath, root).Msg("cannot list cache root")
		return Report{}
	}
	if maxDirs < 0 {
		maxDirs = 0
	}
	rep := Report{Found: len(dirs), Remaining: len(dirs)}
	excess := len(dirs) - maxDirs
	for _, d := range dirs {
		if excess <= 0 {
			break
		}
		if d.Active {
			rep.Protected = d.Path
			continue
		}
		excess--
		if err := os.RemoveAll(d.Path); err != nil {
			rep.Failed++
			logger.Warn().Err(err).Str(xlog.FieldEvent, "cache.evict_failed").Str(xlog.FieldPath, d.Path).Msg("cannot remove cache directory")
			continue
		}
		rep.Removed = append(rep.Removed, d.Path)
		rep.Remaining--
		logger.Info().Str(xlog.FieldEvent, "cache.evicted").Str(xlog.FieldPath, d.Path).Time("mod_time", d.ModTime).Msg("evicted cache directory")
	}
	return rep
}

// PurgeAll removes every cache directory under root.
func PurgeAll(root, prefix string) Report {
	logger := xlog.WithComponent("cache")
	dirs, err := List(root, prefix, "")
	if err != nil {
		logger.Warn().Err(err).Str(xlog.FieldEvent, "cache.list_failed").Str(xlog.FieldPath, root).Msg("cannot list cache root")
		return Report{}
	}
	rep := Report{Found: len(dirs), Remaining: len(dirs)}
	for _, d := range dirs {
		if err := os.RemoveAll(d.Path); err != nil {
			rep.Failed++
			logger.Warn().Err(err).Str(xlog.FieldEvent, "cache.purge_failed").Str(xlog.FieldPath, d.Path).Msg("cannot remove cache directory")
			continue
		}
		rep.Removed = append(rep.Removed, d.Path)
		rep.Remaining--
	}
	logger.Info().Str(xlog.FieldEvent, "cache.purged").Int("removed", len(rep.Removed)).Int("failed", rep.Failed).Msg("cache purged")
	return rep
}

// DirFor returns the local directory for remoteDir:
// root/<prefix><hash>/<base name of remoteDir>. The hash keeps two remote
// directories with the same base name apart.
func DirFor(root, prefix, remoteDir string) string {
	clean := path.Clean("/" + strings.TrimSpace(remoteDir))
	sum := sha256.Sum256([]byte(clean))
	base := path.Base(clean)
	if base == "/" || base == "." {
		base = "root"
	}
	return filepath.Join(root, prefix+hex.EncodeToString(sum[:])[:16], base)
}

// DiskUsage describes the filesystem holding the cache root.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// Usage reports capacity of the filesystem holding root.
func Usage(ctx context.Context, root string) (DiskUsage, error) {
	st, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage of %s: %w", root, err)
	}
	return DiskUsage{
		Path:        root,
		Total:       st.Total,
		Free:        st.Free,
		Used:        st.Used,
		UsedPercent: st.UsedPercent,
	}, nil
}

func cleanAbs(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// within reports whether p equals dir or lies below it.
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
