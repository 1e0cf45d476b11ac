// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsfetch/internal/api"
	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/cache"
	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/health"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/monitor"
	"github.com/ManuGH/hlsfetch/internal/telemetry"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

// minCacheFree degrades readiness when the cache filesystem runs low.
const minCacheFree = 256 << 20

// Option adjusts App construction.
type Option func(*options)

type options struct {
	logger       zerolog.Logger
	reloadSignal os.Signal
}

// WithLogger overrides the daemon logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReloadSignal sets the signal that triggers a config reload. Nil
// disables signal-driven reloads.
func WithReloadSignal(sig os.Signal) Option {
	return func(o *options) { o.reloadSignal = sig }
}

// New runs the startup checks and wires every component from the current
// configuration of holder. Nothing is started until Run.
func New(ctx context.Context, holder *config.Holder, opts ...Option) (*App, error) {
	o := options{
		logger:       xlog.WithComponent("daemon"),
		reloadSignal: syscall.SIGHUP,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := holder.Get()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return nil, fmt.Errorf("startup checks: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, cfg.TracingConfig())
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	listings, err := newListingCache(cfg, o.logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	// Endpoint and timeout are read per connection so reloads apply to the
	// next attempt.
	mon := monitor.New(cfg.Endpoint(),
		monitor.WithRetryDelay(cfg.Monitor.RetryDelay),
		monitor.WithFactory(func(ep ftp.Endpoint) monitor.Conn {
			return ftp.New(ep, ftp.WithTimeout(holder.Get().FTP.Timeout))
		}),
	)
	dial := func(ctx context.Context) (transfer.Session, error) {
		c := holder.Get()
		return transfer.FTPDialer(c.Endpoint(), ftp.WithTimeout(c.FTP.Timeout))(ctx)
	}

	cacheMgr := cachedir.NewManager(cfg.CacheSettings())
	runner := transfer.NewRunner(transfer.NewScheduler(dial, cfg.SchedulerOptions()))

	a := &App{
		logger:       o.logger,
		cfgHolder:    holder,
		monitor:      mon,
		runner:       runner,
		cache:        cacheMgr,
		listings:     listings,
		telemetry:    tp,
		reloadSignal: o.reloadSignal,
	}
	a.tree = browse.New(mon, a.treeOptions(cfg))

	runner.BeforeStart = func(req transfer.Request) {
		if holder.Get().Cache.AutoClean {
			cacheMgr.EvictAsync(req.LocalDir)
		}
	}
	runner.AfterFinish = a.recordRun

	hm := health.NewManager(cfg.Version)
	hm.RegisterChecker(health.NewConnectionChecker(func() health.ConnectionStatus {
		st := mon.Status()
		return health.ConnectionStatus{
			State:      st.State.String(),
			Connected:  st.State == monitor.Connected,
			Configured: mon.Endpoint().Valid(),
			LastError:  st.LastError,
		}
	}))
	hm.RegisterChecker(health.NewDirChecker("cache_root", cfg.Cache.Root).
		WithFreeSpace(func(ctx context.Context) (uint64, error) {
			u, err := cacheMgr.Usage(ctx)
			return u.Free, err
		}, minCacheFree))
	hm.RegisterChecker(health.NewLastRunChecker(a.lastRunStatus))

	srv, err := api.New(api.Deps{
		Config:  holder.Get,
		Tree:    a.tree,
		Conn:    mon,
		Runner:  runner,
		Cache:   cacheMgr,
		Dial:    dial,
		Health:  hm,
		Version: cfg.Version,
	})
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.manager, err = NewManager(DefaultServerConfig(cfg.API.Listen), Deps{
		Logger:     o.logger,
		APIHandler: srv.Handler(),
		OnShutdown: runner.Stop,
	})
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.shutdownHooks()
	return a, nil
}

// newListingCache picks the browse listing cache: Redis when an address is
// configured, otherwise in-process memory. A zero TTL disables caching.
func newListingCache(cfg config.Config, logger zerolog.Logger) (cache.Cache, error) {
	if cfg.Cache.ListingTTL <= 0 {
		return cache.Nop{}, nil
	}
	if cfg.Cache.RedisAddr != "" {
		rc, err := cache.NewRedisCache(cache.RedisConfig{Addr: cfg.Cache.RedisAddr}, logger)
		if err != nil {
			return nil, fmt.Errorf("listing cache: %w", err)
		}
		return rc, nil
	}
	interval := cfg.Cache.ListingTTL
	if interval < time.Minute {
		interval = time.Minute
	}
	return cache.NewMemoryCache(interval), nil
}
