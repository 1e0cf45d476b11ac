// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 500 * time.Millisecond

// ErrNoConfigFile is returned by Holder.Save when settings come from the
// environment only.
var ErrNoConfigFile = errors.New("no config file configured")

// Holder publishes the current Config and swaps it on reload or save.
// Readers get a consistent snapshot without locking.
type Holder struct {
	current atomic.Pointer[Config]
	loader  *Loader
	logger  zerolog.Logger

	listenMu  sync.Mutex
	listeners []chan<- Config

	watchMu sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewHolder(initial Config, loader *Loader) *Holder {
	h := &Holder{loader: loader, logger: xlog.WithComponent("config")}
	h.current.Store(&initial)
	return h
}

// Get returns the current snapshot.
func (h *Holder) Get() Config {
	return *h.current.Load()
}

// Reload reads the configuration again. On failure the current snapshot
// stays in place.
func (h *Holder) Reload(_ context.Context) error {
	cfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xlog.FieldEvent, "config.reload_failed").Msg("config reload failed, keeping current settings")
		return fmt.Errorf("load config: %w", err)
	}
	h.swap(cfg, "reload")
	return nil
}

// Save validates cfg, persists it to the config file and publishes it.
func (h *Holder) Save(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	p := h.loader.ConfigPath()
	if p == "" {
		return fmt.Errorf("save config: %w", ErrNoConfigFile)
	}
	if err := Save(p, cfg); err != nil {
		return err
	}
	h.swap(cfg, "save")
	return nil
}

func (h *Holder) swap(next Config, cause string) {
	prev := h.current.Swap(&next)
	h.logger.Info().
		Str(xlog.FieldEvent, "config."+cause).
		Strs("changed", changedSections(*prev, next)).
		Msg("configuration updated")
	h.notify(next)
}

// changedSections names the top-level sections that differ.
func changedSections(a, b Config) []string {
	var out []string
	add := func(name string, differs bool) {
		if differs {
			out = append(out, name)
		}
	}
	add("ftp", a.FTP != b.FTP)
	add("cache", a.Cache != b.Cache)
	add("download", a.Download != b.Download)
	add("monitor", a.Monitor != b.Monitor)
	add("browse", a.Browse != b.Browse)
	add("hls", a.HLS != b.HLS)
	add("api", a.API != b.API)
	add("telemetry", a.Telemetry != b.Telemetry)
	add("logLevel", a.LogLevel != b.LogLevel)
	return out
}

// Save writes cfg as YAML to path through a temp file and rename.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// StartWatcher reloads whenever the config file changes. The directory is
// watched so rename-into-place saves are seen. Without a config file this
// is a no-op.
func (h *Holder) StartWatcher(ctx context.Context) error {
	p := h.loader.ConfigPath()
	if p == "" {
		h.logger.Debug().Str(xlog.FieldEvent, "config.watch_skipped").Msg("no config file to watch")
		return nil
	}
	target, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	h.watchMu.Lock()
	h.cancel, h.stopped = cancel, stopped
	h.watchMu.Unlock()

	h.logger.Info().Str(xlog.FieldEvent, "config.watching").Str(xlog.FieldPath, target).Msg("watching config file")
	go func() {
		defer close(stopped)
		defer func() { _ = w.Close() }()
		h.watch(ctx, w, target)
	}()
	return nil
}

// watch reloads once the file has been quiet for reloadDebounce. Reloads
// run on this goroutine, so Stop waits for an in-flight one.
func (h *Holder) watch(ctx context.Context, w *fsnotify.Watcher, target string) {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			h.logger.Debug().Str(xlog.FieldEvent, "config.file_changed").Str("op", ev.Op.String()).Msg("config file changed")
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			// Reload logs its own failure.
			_ = h.Reload(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Str(xlog.FieldEvent, "config.watch_error").Msg("config watcher error")
		}
	}
}

// Stop ends the watcher and waits for it. Safe to call repeatedly.
func (h *Holder) Stop() {
	h.watchMu.Lock()
	cancel, stopped := h.cancel, h.stopped
	h.cancel, h.stopped = nil, nil
	h.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// RegisterListener subscribes ch to every published snapshot. Sends never
// block; a full channel misses that update.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenMu.Lock()
	h.listeners = append(h.listeners, ch)
	h.listenMu.Unlock()
}

func (h *Holder) notify(cfg Config) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(xlog.FieldEvent, "config.listener_full").Msg("config listener is full, update dropped")
		}
	}
}
