// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// ShutdownHook releases a resource during shutdown. Hooks run after the
// API server stopped accepting requests, newest first.
type ShutdownHook func(ctx context.Context) error

// Manager owns the control API listener and the shutdown sequence.
type Manager interface {
	// Start serves the API and blocks until ctx ends or the server fails.
	// Shutdown has completed when Start returns.
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	RegisterShutdownHook(name string, hook ShutdownHook)
	// Addr is the bound address, empty before Start.
	Addr() string
}

type lifecycle int

const (
	idle lifecycle = iota
	serving
	stopping
)

type namedHook struct {
	name string
	fn   ShutdownHook
}

type manager struct {
	cfg    ServerConfig
	deps   Deps
	logger zerolog.Logger

	mu    sync.Mutex
	state lifecycle
	srv   *http.Server
	ln    net.Listener
	hooks []namedHook
}

// NewManager validates deps and prepares a Manager for cfg.
func NewManager(cfg ServerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServerConfig("").ShutdownTimeout
	}
	return &manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str(xlog.FieldComponent, "manager").Logger(),
	}, nil
}

func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("daemon: nil context")
	}
	m.mu.Lock()
	if m.state != idle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = serving
	m.mu.Unlock()

	// Bind before serving so an occupied port fails Start directly.
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           m.deps.APIHandler,
		ReadHeaderTimeout: m.cfg.ReadHeaderTimeout,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		MaxHeaderBytes:    m.cfg.MaxHeaderBytes,
	}
	if m.deps.OnShutdown != nil {
		srv.RegisterOnShutdown(m.deps.OnShutdown)
	}
	m.mu.Lock()
	m.srv, m.ln = srv, ln
	m.mu.Unlock()

	m.logger.Info().Str(xlog.FieldEvent, "api.listening").Str("addr", ln.Addr().String()).Msg("API server listening")

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	var cause error
	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			cause = fmt.Errorf("API server: %w", err)
			m.logger.Error().Err(err).Str(xlog.FieldEvent, "api.server_failed").Msg("API server failed, shutting down")
		}
	case <-ctx.Done():
		m.logger.Info().Str(xlog.FieldEvent, "daemon.shutdown_signal").Msg("shutdown requested")
	}

	// The parent is usually cancelled here; shutdown gets its own budget.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(cause, m.Shutdown(sctx))
}

func (m *manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Shutdown stops the server, then runs the hooks. A second call is a no-op.
func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return errors.New("daemon: nil context")
	}
	m.mu.Lock()
	switch m.state {
	case idle:
		m.mu.Unlock()
		return ErrManagerNotStarted
	case stopping:
		m.mu.Unlock()
		return nil
	}
	m.state = stopping
	srv := m.srv
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	m.logger.Info().Str(xlog.FieldEvent, "daemon.stopping").Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	slices.Reverse(hooks)
	for _, h := range hooks {
		if err := m.runHook(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Error().Err(err).Int("errors", len(errs)).Str(xlog.FieldEvent, "daemon.stopped").Msg("shutdown finished with errors")
		return err
	}
	m.logger.Info().Str(xlog.FieldEvent, "daemon.stopped").Msg("shutdown complete")
	return nil
}

func (m *manager) runHook(ctx context.Context, h namedHook) error {
	start := time.Now()
	err := h.fn(ctx)
	ev := m.logger.Debug()
	if err != nil {
		ev = m.logger.Error().Err(err)
	}
	ev.Str("hook", h.name).Dur("duration", time.Since(start)).Msg("shutdown hook ran")
	if err != nil {
		return fmt.Errorf("hook %s: %w", h.name, err)
	}
	return nil
}

func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: hook})
	m.mu.Unlock()
}
