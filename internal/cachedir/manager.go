// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package cachedir

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/metrics"
)

// Settings are the tunable cache parameters.
type Settings struct {
	Root    string
	Prefix  string
	MaxDirs int
}

// Manager applies Settings and runs eviction off the caller's goroutine.
type Manager struct {
	mu  sync.RWMutex
	set Settings

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewManager returns a Manager for s.
func NewManager(s Settings) *Manager {
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	return &Manager{set: s, logger: xlog.WithComponent("cache")}
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set
}

// Configure replaces the settings for subsequent passes.
func (m *Manager) Configure(s Settings) {
	if s.Prefix == "" {
		s.Prefix = DefaultPrefix
	}
	m.mu.Lock()
	m.set = s
	m.mu.Unlock()
}

// DirFor returns the cache directory for remoteDir.
func (m *Manager) DirFor(remoteDir string) string {
	s := m.Settings()
	return DirFor(s.Root, s.Prefix, remoteDir)
}

// List returns the cache directories, oldest first.
func (m *Manager) List(active string) ([]Dir, error) {
	s := m.Settings()
	return List(s.Root, s.Prefix, active)
}

// Evict runs one eviction pass with the configured cap.
func (m *Manager) Evict(active string) Report {
	return m.EvictTo(m.Settings().MaxDirs, active)
}

// EvictTo runs one eviction pass with an explicit cap.
func (m *Manager) EvictTo(maxDirs int, active string) Report {
	s := m.Settings()
	start := time.Now()
	rep := Evict(s.Root, s.Prefix, maxDirs, active)
	metrics.RecordEviction(len(rep.Removed), rep.Failed, rep.Remaining)
	m.refreshUsage()
	m.logger.Debug().
		Str(xlog.FieldEvent, "cache.evict_pass").
		Int("found", rep.Found).
		Int("removed", len(rep.Removed)).
		Int("failed", rep.Failed).
		Int("max", maxDirs).
		Dur("duration", time.Since(start)).
		Msg("eviction pass finished")
	return rep
}

// EvictAsync runs an eviction pass in the background. active is captured by
// value at call time.
func (m *Manager) EvictAsync(active string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Evict(active)
	}()
}

// Purge removes every cache directory.
func (m *Manager) Purge() Report {
	s := m.Settings()
	rep := PurgeAll(s.Root, s.Prefix)
	metrics.RecordEviction(len(rep.Removed), rep.Failed, rep.Remaining)
	return rep
}

// Wait blocks until background passes have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Usage reports capacity of the cache filesystem.
func (m *Manager) Usage(ctx context.Context) (DiskUsage, error) {
	u, err := Usage(ctx, m.Settings().Root)
	if err == nil {
		metrics.SetCacheFreeBytes(u.Free)
	}
	return u, err
}

func (m *Manager) refreshUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.Usage(ctx); err != nil {
		m.logger.Debug().Err(err).Str(xlog.FieldEvent, "cache.usage_failed").Msg("cannot read cache filesystem usage")
	}
}
