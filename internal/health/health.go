// SPDX-License-Identifier: MIT

// Package health provides the liveness and readiness probes of the daemon
// with per-component status for the FTP connection and the cache root.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// Status is the aggregated state of one or more checks.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses so the worst one wins during aggregation.
func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// checkTimeout bounds a single checker so a stalled FTP probe cannot hold
// the endpoint.
const checkTimeout = 3 * time.Second

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// LivenessReport is served on /healthz.
type LivenessReport struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptime_seconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessReport is served on /readyz.
type ReadinessReport struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker reports the state of one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates registered checkers.
type Manager struct {
	version string
	started time.Time

	mu       sync.RWMutex
	checkers []Checker
}

func NewManager(version string) *Manager {
	return &Manager{version: version, started: time.Now()}
}

// RegisterChecker adds c. Safe to call while probes are being served.
func (m *Manager) RegisterChecker(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// evaluate runs every checker concurrently and returns the per-check
// results with the worst status among them. A manager without checkers
// is healthy.
func (m *Manager) evaluate(ctx context.Context) (map[string]CheckResult, Status) {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()
	if len(checkers) == 0 {
		return nil, StatusHealthy
	}

	results := make([]CheckResult, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()
			start := time.Now()
			res := c.Check(cctx)
			res.DurationMS = time.Since(start).Milliseconds()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]CheckResult, len(checkers))
	worst := StatusHealthy
	for i, c := range checkers {
		out[c.Name()] = results[i]
		if results[i].Status.rank() > worst.rank() {
			worst = results[i].Status
		}
	}
	return out, worst
}

// Health answers the liveness probe. Checks only run when verbose is set;
// otherwise a live process is always healthy.
func (m *Manager) Health(ctx context.Context, verbose bool) LivenessReport {
	r := LivenessReport{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}
	if verbose {
		r.Checks, r.Status = m.evaluate(ctx)
	}
	return r
}

// Ready answers the readiness probe. Degraded components still count as
// ready; any unhealthy one does not.
func (m *Manager) Ready(ctx context.Context) ReadinessReport {
	checks, status := m.evaluate(ctx)
	return ReadinessReport{
		Ready:     status != StatusUnhealthy,
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// ServeHealth always answers 200 while the process runs.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	rep := m.Health(r.Context(), verbose)
	writeReport(r.Context(), w, http.StatusOK, rep, "health", rep.Status)
}

// ServeReady answers 503 when any component is unhealthy.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	rep := m.Ready(r.Context())
	code := http.StatusOK
	if !rep.Ready {
		code = http.StatusServiceUnavailable
	}
	writeReport(r.Context(), w, code, rep, "readiness", rep.Status)
}

func writeReport(ctx context.Context, w http.ResponseWriter, code int, body any, probe string, status Status) {
	logger := xlog.WithComponentFromContext(ctx, probe)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Str(xlog.FieldEvent, probe+".encode_failed").Msg("failed to encode probe response")
		return
	}
	logger.Debug().
		Str(xlog.FieldEvent, probe+".checked").
		Str("status", string(status)).
		Int("code", code).
		Msg("probe answered")
}
