// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package monitor owns the long-lived browse connection. It connects in the
// background, retries after a fixed delay with a visible one-second
// countdown, and serializes every command sent over the connection.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsfetch/internal/ftp"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/metrics"
)

// DefaultRetryDelay is the wait between a failed attempt and the next one.
const DefaultRetryDelay = 5 * time.Second

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	RetryWait
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case RetryWait:
		return "retry_wait"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name as rendered by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Disconnected, Connecting, Connected, RetryWait} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("monitor: unknown state %q", b)
}

// Status is a snapshot of the monitor.
type Status struct {
	State     State     `json:"state"`
	Countdown int       `json:"countdown"` // whole seconds until the next attempt in RetryWait
	Endpoint  string    `json:"endpoint,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

// Conn is the connection the monitor manages.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ListDirectory(ctx context.Context, dir string) ([]ftp.Entry, error)
	State() ftp.ConnState
}

// Factory builds an unconnected Conn for an endpoint.
type Factory func(ep ftp.Endpoint) Conn

// Option configures a Monitor.
type Option func(*Monitor)

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// WithClock injects a clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithFactory overrides how connections are built.
func WithFactory(f Factory) Option {
	return func(m *Monitor) { m.factory = f }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// Monitor keeps one connection alive.
type Monitor struct {
	factory    Factory
	retryDelay time.Duration
	clock      Clock
	logger     zerolog.Logger

	// opMu serializes every use of conn: connect, browse, disconnect.
	opMu sync.Mutex

	mu      sync.Mutex
	ep      ftp.Endpoint
	gen     uint64
	conn    Conn
	status  Status
	subs    map[int]chan Status
	nextSub int
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	kick chan struct{}
}

// New returns a stopped monitor for ep.
func New(ep ftp.Endpoint, opts ...Option) *Monitor {
	m := &Monitor{
		retryDelay: DefaultRetryDelay,
		clock:      realClock{},
		logger:     xlog.WithComponent("monitor"),
		ep:         ep,
		subs:       make(map[int]chan Status),
		kick:       make(chan struct{}, 1),
	}
	m.factory = func(ep ftp.Endpoint) Conn { return ftp.New(ep) }
	for _, opt := range opts {
		opt(m)
	}
	m.status = Status{State: Disconnected, Endpoint: ep.Redacted(), Since: m.clock.Now()}
	return m
}

// Start launches the monitor goroutine. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	if m.ep.Valid() {
		m.setStateLocked(Connecting, "")
	}
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop terminates the loop, closes the connection and waits.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Endpoint returns the configured endpoint.
func (m *Monitor) Endpoint() ftp.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ep
}

// Subscribe returns a channel that receives every status change. Slow
// readers only see the latest status. The returned func unsubscribes.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan Status, 1)
	ch <- m.status
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Connect requests a connection attempt. It is a no-op while connecting or
// connected, and when no host is configured.
func (m *Monitor) Connect() {
	m.mu.Lock()
	switch {
	case !m.ep.Valid(), m.status.State == Connecting, m.status.State == Connected:
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connecting, "")
	m.mu.Unlock()
	m.wake()
}

// Reconfigure switches to a new endpoint: the old connection is closed and
// a new attempt starts, or the monitor rests in Disconnected when ep has no
// host.
func (m *Monitor) Reconfigure(ep ftp.Endpoint) {
	m.mu.Lock()
	m.ep = ep
	m.gen++
	old := m.conn
	m.conn = nil
	m.status.Endpoint = ep.Redacted()
	m.status.LastError = ""
	m.setStateLocked(Disconnected, "")
	if ep.Valid() && m.started {
		m.setStateLocked(Connecting, "")
	}
	m.mu.Unlock()

	if old != nil {
		m.opMu.Lock()
		_ = old.Disconnect()
		m.opMu.Unlock()
	}
	m.logger.Info().Str(xlog.FieldEvent, "monitor.reconfigured").Str(xlog.FieldHost, ep.Redacted()).Msg("endpoint changed")
	m.wake()
}

// Browse lists dir over the monitored connection. A connection-level
// failure moves the monitor to RetryWait.
func (m *Monitor) Browse(ctx context.Context, dir string) ([]ftp.Entry, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	c, gen, state := m.conn, m.gen, m.status.State
	m.mu.Unlock()
	if c == nil || state != Connected {
		return nil, ftp.ErrNotConnected
	}

	entries, err := c.ListDirectory(ctx, dir)
	if err != nil && c.State() != ftp.StateConnected {
		m.failed(gen, err)
	}
	return entries, err
}

func (m *Monitor) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.shutdown()
	for {
		switch m.Status().State {
		case Connecting:
			m.attempt(ctx)
			if ctx.Err() != nil {
				return
			}
			continue
		case RetryWait:
			if !m.waitRetry(ctx) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		}
	}
}

func (m *Monitor) attempt(ctx context.Context) {
	m.mu.Lock()
	ep, gen, old := m.ep, m.gen, m.conn
	m.conn = nil
	m.mu.Unlock()

	if !ep.Valid() {
		m.mu.Lock()
		if m.gen == gen {
			m.setStateLocked(Disconnected, "")
		}
		m.mu.Unlock()
		return
	}

	m.opMu.Lock()
	if old != nil {
		_ = old.Disconnect()
	}
	c := m.factory(ep)
	err := c.Connect(ctx)
	m.opMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || m.status.State != Connecting {
		// Reconfigured while dialing; this connection belongs to the old endpoint.
		m.mu.Unlock()
		if err == nil {
			m.opMu.Lock()
			_ = c.Disconnect()
			m.opMu.Unlock()
		}
		return
	}
	defer m.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			m.setStateLocked(Disconnected, "")
			return
		}
		m.enterRetryLocked(err)
		return
	}
	m.conn = c
	m.status.LastError = ""
	m.setStateLocked(Connected, "")
}

// waitRetry counts down in RetryWait. It returns false when ctx ends.
func (m *Monitor) waitRetry(ctx context.Context) bool {
	t := m.clock.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.kick:
			if m.Status().State != RetryWait {
				return true
			}
		case <-t.C():
			m.mu.Lock()
			if m.status.State != RetryWait {
				m.mu.Unlock()
				return true
			}
			m.status.Countdown--
			if m.status.Countdown <= 0 {
				m.status.Countdown = 0
				m.setStateLocked(Connecting, "")
				m.mu.Unlock()
				return true
			}
			m.publishLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) failed(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.status.State != Connected {
		m.mu.Unlock()
		return
	}
	m.enterRetryLocked(err)
	m.mu.Unlock()
	m.wake()
}

func (m *Monitor) enterRetryLocked(err error) {
	m.status.Countdown = int(math.Ceil(m.retryDelay.Seconds()))
	if m.status.Countdown < 1 {
		m.status.Countdown = 1
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.status.LastError = msg
	m.setStateLocked(RetryWait, msg)
}

// setStateLocked records a transition and notifies subscribers.
func (m *Monitor) setStateLocked(s State, reason string) {
	old := m.status.State
	if old == s {
		return
	}
	m.status.State = s
	m.status.Since = m.clock.Now()
	if s != RetryWait {
		m.status.Countdown = 0
	}
	metrics.SetMonitorState(s.String())
	ev := m.logger.Info()
	if s == RetryWait {
		ev = m.logger.Warn()
	}
	ev = ev.Str(xlog.FieldEvent, "monitor.state_changed").
		Str(xlog.FieldOldState, old.String()).
		Str(xlog.FieldNewState, s.String())
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	if s == RetryWait {
		ev = ev.Int("retry_in_s", m.status.Countdown)
	}
	ev.Msg("connection state changed")
	m.publishLocked()
}

func (m *Monitor) publishLocked() {
	for _, ch := range m.subs {
		select {
		case ch <- m.status:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- m.status
		}
	}
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.setStateLocked(Disconnected, "")
	m.started = false
	m.mu.Unlock()
	if c != nil {
		m.opMu.Lock()
		if err := c.Disconnect(); err != nil && !errors.Is(err, ftp.ErrNotConnected) {
			m.logger.Debug().Err(err).Str(xlog.FieldEvent, "monitor.disconnect_failed").Msg("disconnect on shutdown failed")
		}
		m.opMu.Unlock()
	}
}
