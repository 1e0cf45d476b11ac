// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/hlsfetch/internal/log"
)

func testServerConfig(addr string) ServerConfig {
	cfg := DefaultServerConfig(addr)
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestManager(t *testing.T, deps Deps) Manager {
	t.Helper()
	if deps.APIHandler == nil {
		deps.APIHandler = http.NotFoundHandler()
	}
	deps.Logger = log.WithComponent("test")
	m, err := NewManager(testServerConfig("127.0.0.1:0"), deps)
	require.NoError(t, err)
	return m
}

// runManager starts m in the background and waits until it listens. The
// returned stop cancels Start and yields its error.
func runManager(t *testing.T, m Manager) (addr string, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	require.Eventually(t, func() bool { return m.Addr() != "" }, 2*time.Second, 10*time.Millisecond, "manager did not listen")
	return m.Addr(), func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return after cancel")
			return nil
		}
	}
}

func TestNewManager_ValidatesDeps(t *testing.T) {
	_, err := NewManager(testServerConfig(""), Deps{Logger: zerolog.Nop(), APIHandler: http.NotFoundHandler()})
	assert.ErrorIs(t, err, ErrMissingLogger)

	_, err = NewManager(testServerConfig(""), Deps{Logger: log.WithComponent("test")})
	assert.ErrorIs(t, err, ErrMissingAPIHandler)

	m := newTestManager(t, Deps{})
	assert.Empty(t, m.Addr(), "no address before Start")
}

func TestManager_ServesUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, Deps{APIHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})})
	addr, stop := runManager(t, m)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, stop())
	assert.NoError(t, m.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestManager_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := newTestManager(t, Deps{})
	_, stop := runManager(t, m)
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	assert.NoError(t, stop())
}

func TestManager_ShutdownHooksRunLIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) ShutdownHook {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	onShutdown := make(chan struct{})
	m := newTestManager(t, Deps{OnShutdown: func() { close(onShutdown) }})
	for _, name := range []string{"first", "second", "third"} {
		m.RegisterShutdownHook(name, record(name))
	}

	_, stop := runManager(t, m)
	require.NoError(t, stop())

	select {
	case <-onShutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("OnShutdown was not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestManager_HookErrorsAreJoined(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("boom")
	ran := false
	m := newTestManager(t, Deps{})
	m.RegisterShutdownHook("ok", func(context.Context) error { ran = true; return nil })
	m.RegisterShutdownHook("failing", func(context.Context) error { return boom })

	_, stop := runManager(t, m)
	err := stop()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "hook failing")
	assert.True(t, ran, "a failing hook stopped the remaining hooks")
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m := newTestManager(t, Deps{})
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestManager_PropagatesListenErrors(t *testing.T) {
	occupied := httptest.NewServer(http.NotFoundHandler())
	defer occupied.Close()

	m, err := NewManager(testServerConfig(occupied.Listener.Addr().String()), Deps{
		Logger:     log.WithComponent("test"),
		APIHandler: http.NotFoundHandler(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = m.Start(ctx)
	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
}
