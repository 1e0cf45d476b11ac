// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestHolder(t *testing.T, yaml string) (*Holder, string) {
	t.Helper()
	p := writeFile(t, t.TempDir(), "config.yaml", yaml)
	loader := NewLoader(p, "", WithEnvFile(""))
	cfg, err := loader.Load()
	require.NoError(t, err)
	return NewHolder(cfg, loader), p
}

func TestHolder_ReloadNotifiesListeners(t *testing.T) {
	h, p := newTestHolder(t, "ftp:\n  host: first\n")
	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(p, []byte("ftp:\n  host: second\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	assert.Equal(t, "second", h.Get().FTP.Host)
	select {
	case got := <-ch:
		assert.Equal(t, "second", got.FTP.Host)
	default:
		t.Fatal("listener was not notified")
	}
}

func TestHolder_ReloadKeepsOldConfigOnError(t *testing.T) {
	h, p := newTestHolder(t, "ftp:\n  host: first\n")

	require.NoError(t, os.WriteFile(p, []byte("ftp:\n  port: 0\n"), 0o600))
	err := h.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "first", h.Get().FTP.Host)
}

func TestHolder_FullListenerIsSkipped(t *testing.T) {
	h, _ := newTestHolder(t, "")
	ch := make(chan Config) // unbuffered, nobody reading
	h.RegisterListener(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Reload(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reload blocked on a full listener")
	}
}

func TestHolder_SaveRoundTrip(t *testing.T) {
	h, p := newTestHolder(t, "ftp:\n  host: first\n")

	cfg := h.Get()
	cfg.FTP.Host = "saved"
	cfg.FTP.Password = "pw"
	cfg.Cache.MaxDirs = 3
	cfg.Browse.FilterIDDirs = true
	require.NoError(t, h.Save(cfg))
	assert.Equal(t, "saved", h.Get().FTP.Host)

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := NewLoader(p, "", WithEnvFile("")).Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestHolder_SaveRejectsInvalid(t *testing.T) {
	h, _ := newTestHolder(t, "")
	cfg := h.Get()
	cfg.Cache.MaxDirs = -1
	assert.ErrorIs(t, h.Save(cfg), ErrInvalidConfig)
}

func TestHolder_SaveWithoutFile(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader("", "", WithEnvFile("")))
	assert.Error(t, h.Save(Defaults()))
}

func TestHolder_WatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h, p := newTestHolder(t, "ftp:\n  host: first\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.StartWatcher(ctx))
	defer h.Stop()

	require.NoError(t, Save(p, func() Config {
		c := h.Get()
		c.FTP.Host = "watched"
		return c
	}()))

	require.Eventually(t, func() bool { return h.Get().FTP.Host == "watched" },
		5*time.Second, 50*time.Millisecond)

	cancel()
	h.Stop()
}

func TestHolder_WatcherDisabledWithoutFile(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader("", "", WithEnvFile("")))
	require.NoError(t, h.StartWatcher(context.Background()))
	h.Stop()
}

func TestSave_CreatesDirectory(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(p, Defaults()))

	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, Defaults().Cache.Prefix, cfg.Cache.Prefix)
}

func TestChangedSections(t *testing.T) {
	a := Defaults()
	assert.Empty(t, changedSections(a, a))

	b := a
	b.FTP.Host = "nas.local"
	b.LogLevel = "debug"
	b.Cache.MaxDirs = 9
	assert.Equal(t, []string{"ftp", "cache", "logLevel"}, changedSections(a, b))
}

func TestHolder_SaveWithoutFileIsTyped(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader("", "", WithEnvFile("")))
	assert.ErrorIs(t, h.Save(Defaults()), ErrNoConfigFile)
}
