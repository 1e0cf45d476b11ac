// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/ftp/ftptest"
	"github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/monitor"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

// writeConfig stores cfg as the YAML file a loader reads and returns a
// holder over it.
func writeConfig(t *testing.T, cfg config.Config) *config.Holder {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.Save(p, cfg))
	loader := config.NewLoader(p, "test", config.WithEnvFile(""))
	loaded, err := loader.Load()
	require.NoError(t, err)
	return config.NewHolder(loaded, loader)
}

func baseConfig(t *testing.T, srv *ftptest.Server) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.FTP.Host = srv.Host()
	cfg.FTP.Port = srv.Port()
	cfg.FTP.Username = "viewer"
	cfg.FTP.BasePath = "/rec"
	cfg.Cache.Root = t.TempDir()
	cfg.Monitor.RetryDelay = 50 * time.Millisecond
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.RateLimit = 0
	return cfg
}

func getJSON(t *testing.T, client *http.Client, url string, v any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestNew_FailsOnUnwritableCacheRoot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	cfg := config.Defaults()
	cfg.Cache.Root = file
	_, err := New(context.Background(), config.NewHolder(cfg, config.NewLoader("", "test", config.WithEnvFile(""))), WithReloadSignal(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup checks")
}

func TestApp_RunServesAppliesReloadAndPurgesOnExit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "rec", "id_1_show", "show_hls"), 0o750))
	srv := ftptest.New(t, root)
	defer srv.Close()

	cfg := baseConfig(t, srv)
	holder := writeConfig(t, cfg)

	app, err := New(context.Background(), holder, WithLogger(log.WithComponent("test")), WithReloadSignal(nil))
	require.NoError(t, err)

	// A leftover cache directory from an earlier run.
	stale := app.cache.DirFor("/rec/old_hls")
	require.NoError(t, os.MkdirAll(stale, 0o750))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	base := "http://" + app.Addr()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}

	require.Eventually(t, func() bool {
		var st struct {
			Connection monitor.Status `json:"connection"`
		}
		return getJSON(t, client, base+"/api/v1/status", &st) == http.StatusOK && st.Connection.State == monitor.Connected
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, http.StatusOK, getJSON(t, client, base+"/healthz", nil))

	var listing struct {
		Path    string `json:"path"`
		Entries []struct {
			Name string `json:"name"`
		} `json:"entries"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, client, base+"/api/v1/browse", &listing))
	assert.Equal(t, "/rec", listing.Path)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "id_1_show", listing.Entries[0].Name)

	next := holder.Get()
	next.FTP.Username = "operator"
	next.FTP.BasePath = "/rec/id_1_show"
	require.NoError(t, holder.Save(next))

	require.Eventually(t, func() bool { return app.monitor.Endpoint().Username == "operator" }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return getJSON(t, client, base+"/api/v1/browse", &listing) == http.StatusOK && listing.Path == "/rec/id_1_show"
	}, 5*time.Second, 20*time.Millisecond)

	app.recordRun(transfer.Result{Error: "boom"})
	at, msg := app.lastRunStatus()
	assert.False(t, at.IsZero())
	assert.Equal(t, "boom", msg)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	_, statErr := os.Stat(stale)
	assert.True(t, os.IsNotExist(statErr), "cache directory should be purged on exit")
}

func TestApp_KeepsCacheWithoutCleanupOnExit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := ftptest.New(t, t.TempDir())
	defer srv.Close()

	cfg := baseConfig(t, srv)
	cfg.Cache.CleanupOnExit = false
	cfg.Cache.AutoClean = false
	cfg.Cache.ListingTTL = 0
	holder := writeConfig(t, cfg)

	app, err := New(context.Background(), holder, WithLogger(log.WithComponent("test")), WithReloadSignal(nil))
	require.NoError(t, err)

	kept := app.cache.DirFor("/rec/keep_hls")
	require.NoError(t, os.MkdirAll(kept, 0o750))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()
	require.Eventually(t, func() bool { return app.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.DirExists(t, kept)
}

func TestNewListingCache(t *testing.T) {
	cfg := config.Defaults()

	cfg.Cache.ListingTTL = 0
	c, err := newListingCache(cfg, log.WithComponent("test"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	cfg.Cache.ListingTTL = time.Second
	c, err = newListingCache(cfg, log.WithComponent("test"))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
