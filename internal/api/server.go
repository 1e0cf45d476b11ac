// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes browsing, materialization and cache maintenance over
// a small JSON control API.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsfetch/internal/api/middleware"
	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/health"
	"github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/monitor"
	"github.com/ManuGH/hlsfetch/internal/telemetry"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

// Browser is the browse tree.
type Browser interface {
	Root() string
	Expand(ctx context.Context, dir string) ([]browse.Node, error)
	Refresh(ctx context.Context, dir string) ([]browse.Node, error)
	IsHLSDir(p string) bool
	Search(text string) []string
	NextHLS(current string) (string, bool)
}

// Connection is the monitored FTP connection.
type Connection interface {
	Status() monitor.Status
	Endpoint() ftp.Endpoint
	Connect()
}

// Materializer runs one materialization at a time.
type Materializer interface {
	Start(ctx context.Context, req transfer.Request, emit func(transfer.Event)) <-chan transfer.Result
	Running() bool
	ActiveDir() string
}

// CacheManager owns the local cache directories.
type CacheManager interface {
	DirFor(remoteDir string) string
	List(active string) ([]cachedir.Dir, error)
	EvictTo(maxDirs int, active string) cachedir.Report
	Purge() cachedir.Report
	Usage(ctx context.Context) (cachedir.DiskUsage, error)
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Config  func() config.Config
	Tree    Browser
	Conn    Connection
	Runner  Materializer
	Cache   CacheManager
	Dial    transfer.Dialer // optional; enables preview fetching
	Health  *health.Manager
	Version string
}

// Server routes control requests.
type Server struct {
	deps   Deps
	router chi.Router
	logger zerolog.Logger
}

// New builds the router. The rate limit is read from the configuration at
// construction time.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("api: config source is required")
	case deps.Tree == nil, deps.Conn == nil, deps.Runner == nil, deps.Cache == nil:
		return nil, errors.New("api: tree, connection, runner and cache are required")
	}
	if deps.Health == nil {
		deps.Health = health.NewManager(deps.Version)
	}
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	cfg := s.deps.Config()

	r := chi.NewRouter()
	middleware.ApplyStack(r, middleware.StackConfig{
		ServiceName:   telemetry.DefaultServiceName,
		EnableTracing: cfg.Telemetry.Enabled,
		EnableMetrics: true,
	})

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIRateLimit(cfg.API.RateLimit))

		r.Get("/status", s.handleStatus)
		r.Post("/connect", s.handleConnect)
		r.Get("/browse", s.handleBrowse)
		r.Get("/search", s.handleSearch)
		r.Get("/next", s.handleNext)
		r.Get("/url", s.handleURL)
		r.Post("/materialize", s.handleMaterialize)
		r.Post("/previews", s.handlePreviews)

		r.Get("/cache", s.handleCacheList)
		r.Post("/cache/evict", s.handleCacheEvict)
		r.Delete("/cache", s.handleCachePurge)
	})
	return r
}
