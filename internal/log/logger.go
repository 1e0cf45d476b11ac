// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log holds the process-wide zerolog logger and the canonical
// field names used across packages.
package log

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config describes the global logger. Zero fields fall back to info level,
// stderr and the "hlsfetch" service name.
type Config struct {
	Level   string
	Output  io.Writer
	Service string
	Version string
}

var (
	once    sync.Once
	current atomic.Pointer[zerolog.Logger]
)

// Configure installs the global logger once. Packages may call it lazily;
// only the first call takes effect.
func Configure(cfg Config) {
	once.Do(func() { install(cfg) })
}

// Reconfigure replaces the global logger unconditionally, e.g. after a
// config reload changed the level.
func Reconfigure(cfg Config) {
	once.Do(func() {})
	install(cfg)
}

func install(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Service == "" {
		cfg.Service = "hlsfetch"
	}

	l := zerolog.New(out).With().
		Timestamp().
		Str(FieldService, cfg.Service).
		Str(FieldVersion, cfg.Version).
		Logger()
	current.Store(&l)
}

// Base returns the global logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return *current.Load()
}

// WithComponent returns a child of the global logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str(FieldComponent, component).Logger()
}
