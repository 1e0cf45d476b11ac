// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/hlsfetch/internal/ftp"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	c.tickers = append(c.tickers, t)
	return t
}

// tick advances one second and delivers it to the live ticker, waiting until
// the monitor has one.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		c.now = c.now.Add(time.Second)
		var live *fakeTicker
		for _, tk := range c.tickers {
			if !tk.stopped.Load() {
				live = tk
			}
		}
		c.mu.Unlock()
		if live != nil {
			select {
			case live.ch <- c.Now():
				return
			case <-time.After(10 * time.Millisecond):
			}
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatal("no ticker consumed the tick")
}

// fakeConn fails Connect while failures remains > 0.
type fakeConn struct {
	host       string
	failures   *atomic.Int32
	state      ftp.ConnState
	listErr    error
	disconnect *atomic.Int32
}

func (f *fakeConn) Connect(context.Context) error {
	if f.failures.Add(-1) >= 0 {
		return &ftp.ConnectError{Addr: f.host, Err: errors.New("connection refused")}
	}
	f.state = ftp.StateConnected
	return nil
}

func (f *fakeConn) Disconnect() error {
	f.disconnect.Add(1)
	f.state = ftp.StateDisconnected
	return nil
}

func (f *fakeConn) ListDirectory(context.Context, string) ([]ftp.Entry, error) {
	if f.listErr != nil {
		f.state = ftp.StateFailed
		return nil, f.listErr
	}
	return []ftp.Entry{{Name: "rec", IsDir: true}}, nil
}

func (f *fakeConn) State() ftp.ConnState { return f.state }

type harness struct {
	clock       *fakeClock
	failures    atomic.Int32
	dials       atomic.Int32
	disconnects atomic.Int32
	hosts       chan string
	listErr     error
}

func newHarness() *harness {
	return &harness{clock: newFakeClock(), hosts: make(chan string, 16)}
}

func (h *harness) monitor(ep ftp.Endpoint) *Monitor {
	return New(ep,
		WithClock(h.clock),
		WithLogger(zerolog.New(io.Discard)),
		WithFactory(func(ep ftp.Endpoint) Conn {
			h.dials.Add(1)
			h.hosts <- ep.Host
			return &fakeConn{host: ep.Host, failures: &h.failures, listErr: h.listErr, disconnect: &h.disconnects}
		}),
	)
}

func waitState(t *testing.T, m *Monitor, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().State == s }, 2*time.Second, 5*time.Millisecond,
		"want state %s, have %s", s, m.Status().State)
}

func TestMonitorNoHostStaysDisconnected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness()
	m := h.monitor(ftp.Endpoint{})
	m.Start(context.Background())
	defer m.Stop()

	m.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Disconnected, m.Status().State)
	assert.Zero(t, h.dials.Load())

	_, err := m.Browse(context.Background(), "/")
	assert.ErrorIs(t, err, ftp.ErrNotConnected)
}

func TestMonitorConnects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness()
	m := h.monitor(ftp.Endpoint{Host: "box"})
	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Start(context.Background())
	waitState(t, m, Connected)

	entries, err := m.Browse(context.Background(), "/")
	require.NoError(t, err)
	assert.Equal(t, []ftp.Entry{{Name: "rec", IsDir: true}}, entries)

	// A subscriber always sees the latest status.
	require.Eventually(t, func() bool {
		select {
		case st := <-updates:
			return st.State == Connected
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	m.Connect() // no-op while connected
	m.Stop()
	assert.Equal(t, Disconnected, m.Status().State)
	assert.Equal(t, int32(1), h.dials.Load())
	assert.Equal(t, int32(1), h.disconnects.Load())
}

func TestMonitorRetryCountdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness()
	h.failures.Store(1)
	m := h.monitor(ftp.Endpoint{Host: "box"})
	m.Start(context.Background())
	defer m.Stop()

	waitState(t, m, RetryWait)
	st := m.Status()
	assert.Equal(t, 5, st.Countdown)
	assert.Contains(t, st.LastError, "connection refused")

	for want := 4; want >= 1; want-- {
		h.clock.tick(t)
		require.Eventually(t, func() bool { return m.Status().Countdown == want }, time.Second, time.Millisecond)
		assert.Equal(t, RetryWait, m.Status().State)
	}
	h.clock.tick(t)
	waitState(t, m, Connected)
	assert.Equal(t, int32(2), h.dials.Load())
	assert.Empty(t, m.Status().LastError)
}

func TestMonitorConnectSkipsCountdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness()
	h.failures.Store(1)
	m := h.monitor(ftp.Endpoint{Host: "box"})
	m.Start(context.Background())
	defer m.Stop()

	waitState(t, m, RetryWait)
	m.Connect()
	waitState(t, m, Connected)
	assert.Equal(t, int32(2), h.dials.Load())
}

func TestMonitorReconfigure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness()
	m := h.monitor(ftp.Endpoint{Host: "old"})
	m.Start(context.Background())
	defer m.Stop()

	waitState(t, m, Connected)
	assert.Equal(t, "old", <-h.hosts)

	m.Reconfigure(ftp.Endpoint{Host: "new", Port: 2121})
	waitState(t, m, Connected)
	assert.Equal(t, "new", <-h.hosts)
	assert.Equal(t, int32(1), h.disconnects.Load(), "old connection closed")
	assert.Equal(t, "new", m.Endpoint().Host)

	m.Reconfigure(ftp.Endpoint{})
	waitState(t, m, Disconnected)
	assert.Equal(t, int32(2), h.disconnects.Load())
}

func TestMonitorBrowseFailureEntersRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness()
	h.listErr = errors.New("connection reset by peer")
	m := h.monitor(ftp.Endpoint{Host: "box"})
	m.Start(context.Background())
	defer m.Stop()

	waitState(t, m, Connected)
	_, err := m.Browse(context.Background(), "/")
	require.Error(t, err)
	waitState(t, m, RetryWait)
	assert.Equal(t, 5, m.Status().Countdown)
}

func TestStateText(t *testing.T) {
	b, err := RetryWait.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "retry_wait", string(b))
	assert.Equal(t, "disconnected", State(42).String())
}
