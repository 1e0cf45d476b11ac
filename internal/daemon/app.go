// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the long-running service: the connection monitor,
// the browse tree, the transfer runner, cache maintenance, config reload and
// the control API.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/cache"
	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/config"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/monitor"
	"github.com/ManuGH/hlsfetch/internal/telemetry"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

// App owns the long-lived runtime lifecycle (watchers, reload wiring, the
// monitor loop) and delegates server management to Manager.
type App struct {
	logger    zerolog.Logger
	manager   Manager
	cfgHolder *config.Holder

	monitor   *monitor.Monitor
	tree      *browse.Tree
	runner    *transfer.Runner
	cache     *cachedir.Manager
	listings  cache.Cache
	telemetry *telemetry.Provider

	reloadSignal os.Signal

	lastMu  sync.Mutex
	lastRun time.Time
	lastErr string
}

// Addr returns the bound API address while Run is serving.
func (a *App) Addr() string { return a.manager.Addr() }

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs. On return every goroutine it started
// has exited.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)
	defer a.closeResources()

	cfg := a.cfgHolder.Get()
	if cfg.Cache.AutoClean {
		a.cache.EvictAsync("")
	}

	// Config watcher is best-effort: startup should not fail if watcher cannot be started.
	if err := a.cfgHolder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(xlog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
	}
	defer a.cfgHolder.Stop()

	applyCh := make(chan config.Config, 1)
	a.cfgHolder.RegisterListener(applyCh)
	g.Go(func() error {
		current := cfg
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-applyCh:
				a.apply(current, next)
				current = next
			}
		}
	})

	if a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str(xlog.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")
					if err := a.cfgHolder.Reload(ctx); err != nil {
						a.logger.Warn().
							Err(err).
							Str(xlog.FieldEvent, "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	a.monitor.Start(ctx)
	defer a.monitor.Stop()

	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	return g.Wait()
}

// apply pushes a reloaded configuration into the running components.
func (a *App) apply(old, next config.Config) {
	if old.LogLevel != next.LogLevel {
		xlog.Reconfigure(xlog.Config{Level: next.LogLevel, Service: telemetry.DefaultServiceName, Version: next.Version})
	}
	if old.CacheSettings() != next.CacheSettings() {
		a.cache.Configure(next.CacheSettings())
	}
	if old.Endpoint() != next.Endpoint() {
		a.monitor.Reconfigure(next.Endpoint())
	}
	if old.Endpoint() != next.Endpoint() || old.Browse != next.Browse || old.HLS.DirSuffix != next.HLS.DirSuffix || old.Cache.ListingTTL != next.Cache.ListingTTL {
		a.tree.Reset(a.treeOptions(next))
	}
	a.logger.Info().Str(xlog.FieldEvent, "config.applied").Msg("configuration applied")
}

func (a *App) treeOptions(cfg config.Config) browse.Options {
	return browse.Options{
		BasePath:          cfg.FTP.BasePath,
		DirSuffix:         cfg.HLS.DirSuffix,
		FilterIDDirs:      cfg.Browse.FilterIDDirs,
		ShowOnlyIDFolders: cfg.Browse.ShowOnlyIDFolders,
		Cache:             a.listings,
		CacheTTL:          cfg.Cache.ListingTTL,
	}
}

// recordRun keeps the last materialization outcome for the health check.
func (a *App) recordRun(res transfer.Result) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	a.lastRun = time.Now()
	a.lastErr = res.Error
}

func (a *App) lastRunStatus() (time.Time, string) {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	return a.lastRun, a.lastErr
}

// shutdownHooks registers the ordered cleanup. Hooks run LIFO after the
// API has drained: the runner stops first, then the cache is purged.
func (a *App) shutdownHooks() {
	a.manager.RegisterShutdownHook("cache", func(context.Context) error {
		a.cache.Wait()
		if !a.cfgHolder.Get().Cache.CleanupOnExit {
			return nil
		}
		rep := a.cache.Purge()
		a.logger.Info().
			Str(xlog.FieldEvent, "cache.purged").
			Int("removed", len(rep.Removed)).
			Int("failed", rep.Failed).
			Msg("cache purged on exit")
		return nil
	})
	a.manager.RegisterShutdownHook("runner", func(context.Context) error {
		a.runner.Stop()
		return nil
	})
}

// closeResources releases what Run does not own through the manager.
func (a *App) closeResources() {
	if a.listings != nil {
		if err := a.listings.Close(); err != nil {
			a.logger.Warn().Err(err).Str(xlog.FieldEvent, "cache.close_failed").Msg("closing listing cache failed")
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Str(xlog.FieldEvent, "telemetry.shutdown_failed").Msg("telemetry shutdown failed")
		}
	}
}
