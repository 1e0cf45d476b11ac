// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transfer

import (
	"context"
	"sync"
)

// Runner runs at most one materialization at a time. Starting a new one
// cancels the one in flight and waits for its pool to drain first, so two
// runs never write into the cache concurrently.
type Runner struct {
	sched *Scheduler

	// BeforeStart and AfterFinish run on the materialization goroutine.
	BeforeStart func(Request)
	AfterFinish func(Result)

	startMu sync.Mutex // serializes Start and Stop

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	active  Request
	hasRun  bool
}

// NewRunner wraps s.
func NewRunner(s *Scheduler) *Runner {
	return &Runner{sched: s}
}

// Start supersedes any running materialization with req. The returned
// channel receives exactly one Result and is then closed. emit may be nil.
func (r *Runner) Start(ctx context.Context, req Request, emit func(Event)) <-chan Result {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	out := make(chan Result, 1)

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.running = true
	r.active = req
	r.hasRun = true
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		if r.BeforeStart != nil {
			r.BeforeStart(req)
		}
		res := r.sched.Materialize(runCtx, req, emit)

		r.mu.Lock()
		if r.done == done {
			r.running = false
		}
		r.mu.Unlock()

		if r.AfterFinish != nil {
			r.AfterFinish(res)
		}
		out <- res
		close(out)
	}()
	return out
}

// Stop cancels the running materialization, if any, and waits for it.
func (r *Runner) Stop() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	r.stopLocked()
}

func (r *Runner) stopLocked() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether a materialization is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Active returns the most recently started request. Its LocalDir is the
// cache directory currently in use and must be protected from eviction.
func (r *Runner) Active() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.hasRun
}

// ActiveDir returns the LocalDir of the most recent request, or "".
func (r *Runner) ActiveDir() string {
	req, ok := r.Active()
	if !ok {
		return ""
	}
	return req.LocalDir
}
