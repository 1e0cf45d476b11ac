// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transfer materializes a remote HLS directory into a local cache
// directory: it fetches the manifest, selects the segments to download,
// fetches them sequentially or across a bounded pool of connections, and
// rewrites the local manifest to reference only what was fetched.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ManuGH/hlsfetch/internal/fsutil"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/manifest"
	"github.com/ManuGH/hlsfetch/internal/metrics"
	"github.com/ManuGH/hlsfetch/internal/telemetry"
)

const (
	// DefaultMaxWorkers bounds the pooled strategy.
	DefaultMaxWorkers = 5
	// DefaultDialRate paces new pool connections per second.
	DefaultDialRate = 10
	// DefaultManifestName is used when Request.ManifestName is empty.
	DefaultManifestName = "playlist.m3u8"
)

// Options configures a Scheduler.
type Options struct {
	MaxWorkers int
	DialRate   float64 // connections per second; <= 0 disables pacing
	Logger     *zerolog.Logger
}

// Scheduler runs materializations. A Scheduler is safe for concurrent use;
// every materialization uses its own sessions.
type Scheduler struct {
	dial    Dialer
	workers int
	limiter *rate.Limiter
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewScheduler returns a Scheduler that opens sessions with dial.
func NewScheduler(dial Dialer, opts Options) *Scheduler {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	limit := rate.Inf
	if opts.DialRate > 0 {
		limit = rate.Limit(opts.DialRate)
	}
	logger := xlog.WithComponent("transfer")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Scheduler{
		dial:    dial,
		workers: workers,
		limiter: rate.NewLimiter(limit, workers),
		logger:  logger,
		tracer:  telemetry.Tracer("github.com/ManuGH/hlsfetch/internal/transfer"),
	}
}

// MaxWorkers returns the pool bound.
func (s *Scheduler) MaxWorkers() int { return s.workers }

// progress serializes event delivery from pool workers and keeps the
// completion count.
type progress struct {
	mu        sync.Mutex
	emit      func(Event)
	total     int
	completed int
}

func (p *progress) send(kind EventKind, file, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch kind {
	case EventFetched, EventSkipped, EventFailed:
		p.completed++
	}
	if p.emit == nil {
		return
	}
	p.emit(Event{Kind: kind, File: file, Message: msg, Completed: p.completed, Total: p.total})
}

// Materialize fetches req.RemoteDir into req.LocalDir. It always returns a
// Result; Success is true only when the local manifest exists and references
// at least one fetched segment. emit may be nil.
func (s *Scheduler) Materialize(ctx context.Context, req Request, emit func(Event)) Result {
	start := time.Now()
	if req.ManifestName == "" {
		req.ManifestName = DefaultManifestName
	}
	jobID := uuid.NewString()
	ctx = xlog.ContextWithJobID(ctx, jobID)
	ctx, span := s.tracer.Start(ctx, "transfer.materialize",
		trace.WithAttributes(telemetry.MaterializeAttributes(req.RemoteDir, req.LocalDir, req.PreviewSeconds, req.Pooled)...))
	defer span.End()

	logger := xlog.WithContext(ctx, s.logger).With().
		Str(xlog.FieldRemoteDir, req.RemoteDir).
		Str(xlog.FieldLocalDir, req.LocalDir).
		Logger()

	prog := &progress{emit: emit}
	res := Result{
		JobID:     jobID,
		RemoteDir: req.RemoteDir,
		LocalDir:  req.LocalDir,
		Preview:   req.PreviewSeconds > 0,
	}

	fail := func(err error) Result {
		res.Err = err
		res.Error = err.Error()
		res.Success = false
		prog.send(EventError, "", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := "failure"
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
		metrics.RecordMaterialization(outcome, time.Since(start))
		logger.Warn().Err(err).Str(xlog.FieldEvent, "transfer.failed_run").Msg("materialization failed")
		return res
	}

	if err := os.MkdirAll(req.LocalDir, 0o750); err != nil {
		return fail(fmt.Errorf("create local dir: %w", err))
	}
	if _, err := req.target(req.ManifestName); err != nil {
		return fail(fmt.Errorf("manifest name: %w", err))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fail(err)
	}
	primary, err := s.dial(ctx)
	if err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}
	defer func() { _ = primary.Disconnect() }()

	remoteManifest := path.Join(req.RemoteDir, req.ManifestName)
	localManifest := filepath.Join(req.LocalDir, req.ManifestName)
	if err := primary.Fetch(ctx, remoteManifest, localManifest); err != nil {
		return fail(fmt.Errorf("fetch manifest: %w", err))
	}
	prog.send(EventManifest, req.ManifestName, "manifest downloaded")
	logger.Info().Str(xlog.FieldEvent, "transfer.manifest_fetched").Str(xlog.FieldManifest, req.ManifestName).Msg("manifest downloaded")

	m, err := manifest.Load(localManifest)
	if err != nil {
		return fail(fmt.Errorf("read manifest: %w", err))
	}
	res.Dropped = m.Dropped
	if m.Dropped > 0 {
		logger.Warn().Int("dropped", m.Dropped).Str(xlog.FieldEvent, "transfer.manifest_malformed").Msg("dropped malformed segment markers")
	}

	targets := m.Segments()
	if res.Preview {
		targets = manifest.SelectPrefix(m, req.PreviewSeconds)
	}
	names := manifest.Filenames(targets)
	res.Targets = len(names)
	prog.total = len(names)

	var outcomes []Outcome
	if req.Pooled {
		outcomes = s.fetchPooled(ctx, primary, req, names, prog, logger)
	} else {
		outcomes = s.fetchSequential(ctx, primary, req, names, prog, logger)
	}

	retained := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		res.Counts.add(o.Status)
		if o.Status == StatusFetched {
			retained[o.Filename] = struct{}{}
		}
	}
	res.Outcomes = outcomes

	if err := rewriteManifest(localManifest, manifest.RestrictTo(m, retained)); err != nil {
		return fail(fmt.Errorf("rewrite manifest: %w", err))
	}
	res.ManifestPath = localManifest
	res.FileCount = res.Counts.Fetched + 1
	span.SetAttributes(telemetry.OutcomeAttributes(res.Counts.Fetched, res.Counts.Skipped, res.Counts.Failed)...)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if res.Counts.Fetched == 0 {
		return fail(errors.New("no segments could be fetched"))
	}

	if missed := res.Counts.Skipped + res.Counts.Failed; missed > 0 {
		prog.send(EventWarning, "", fmt.Sprintf("%d of %d segments were not downloaded", missed, len(names)))
	}
	res.Success = true
	prog.send(EventDone, req.ManifestName, fmt.Sprintf("%d files ready", res.FileCount))
	metrics.RecordMaterialization("success", time.Since(start))
	logger.Info().
		Str(xlog.FieldEvent, "transfer.done").
		Int("fetched", res.Counts.Fetched).
		Int("skipped", res.Counts.Skipped).
		Int("failed", res.Counts.Failed).
		Dur("duration", time.Since(start)).
		Msg("materialization complete")
	return res
}

// fetchSequential checks and fetches each file in order over the primary
// session. Cancellation is observed between files.
func (s *Scheduler) fetchSequential(ctx context.Context, sess Session, req Request, names []string, prog *progress, logger zerolog.Logger) []Outcome {
	outcomes := make([]Outcome, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		t, err := req.target(name)
		if err != nil {
			outcomes = append(outcomes, s.record(prog, logger, Outcome{Filename: name, Status: StatusFailed, Err: err}))
			continue
		}
		ok, err := sess.Exists(ctx, t.remote)
		switch {
		case err != nil:
			outcomes = append(outcomes, s.record(prog, logger, Outcome{Filename: name, Status: StatusFailed, Err: err}))
			continue
		case !ok:
			outcomes = append(outcomes, s.record(prog, logger, Outcome{Filename: name, Status: StatusSkipped}))
			continue
		}
		prog.send(EventFetch, name, "")
		outcomes = append(outcomes, s.record(prog, logger, s.fetchOne(ctx, sess, t)))
	}
	return outcomes
}

// fetchPooled checks existence of every file on the primary session, then
// fetches the existing ones through a bounded pool in which every task
// opens its own session. Outcomes keep playlist order.
func (s *Scheduler) fetchPooled(ctx context.Context, primary Session, req Request, names []string, prog *progress, logger zerolog.Logger) []Outcome {
	slots := make([]*Outcome, len(names))
	targets := make([]segmentTarget, len(names))
	existing := make([]int, 0, len(names))
	for i, name := range names {
		if ctx.Err() != nil {
			break
		}
		t, err := req.target(name)
		if err != nil {
			o := s.record(prog, logger, Outcome{Filename: name, Status: StatusFailed, Err: err})
			slots[i] = &o
			continue
		}
		targets[i] = t
		ok, err := primary.Exists(ctx, t.remote)
		switch {
		case err != nil:
			o := s.record(prog, logger, Outcome{Filename: name, Status: StatusFailed, Err: err})
			slots[i] = &o
		case !ok:
			o := s.record(prog, logger, Outcome{Filename: name, Status: StatusSkipped})
			slots[i] = &o
		default:
			existing = append(existing, i)
		}
	}

	if len(existing) > 0 && ctx.Err() == nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(min(s.workers, len(existing)))
		for _, i := range existing {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				o := s.fetchWithOwnSession(gctx, targets[i], prog)
				o = s.record(prog, logger, o)
				slots[i] = &o
				return nil
			})
		}
		_ = g.Wait()
	}

	outcomes := make([]Outcome, 0, len(names))
	for _, o := range slots {
		if o != nil {
			outcomes = append(outcomes, *o)
		}
	}
	return outcomes
}

// segmentTarget is a segment name resolved to paths that stay inside the
// remote HLS directory and the local cache directory.
type segmentTarget struct {
	name, remote, local string
}

func (r Request) target(name string) (segmentTarget, error) {
	remote, err := fsutil.ConfineRemotePath(r.RemoteDir, name)
	if err != nil {
		return segmentTarget{}, err
	}
	local, err := fsutil.ConfineRelPath(r.LocalDir, name)
	if err != nil {
		return segmentTarget{}, err
	}
	return segmentTarget{name: name, remote: remote, local: local}, nil
}

func (s *Scheduler) fetchWithOwnSession(ctx context.Context, t segmentTarget, prog *progress) Outcome {
	if err := s.limiter.Wait(ctx); err != nil {
		return Outcome{Filename: t.name, Status: StatusFailed, Err: err}
	}
	sess, err := s.dial(ctx)
	if err != nil {
		return Outcome{Filename: t.name, Status: StatusFailed, Err: fmt.Errorf("connect: %w", err)}
	}
	defer func() { _ = sess.Disconnect() }()
	prog.send(EventFetch, t.name, "")
	return s.fetchOne(ctx, sess, t)
}

func (s *Scheduler) fetchOne(ctx context.Context, sess Session, t segmentTarget) Outcome {
	name := t.name
	ctx, span := s.tracer.Start(ctx, "transfer.fetch", trace.WithAttributes(telemetry.FileAttributes(name, "")...))
	defer span.End()

	err := sess.Fetch(ctx, t.remote, t.local)
	var te *ftp.TransferError
	switch {
	case err == nil:
		span.SetAttributes(telemetry.FileAttributes(name, string(StatusFetched))...)
		return Outcome{Filename: name, Status: StatusFetched}
	case errors.As(err, &te) && te.Missing():
		span.SetAttributes(telemetry.FileAttributes(name, string(StatusSkipped))...)
		return Outcome{Filename: name, Status: StatusSkipped, Err: err}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Filename: name, Status: StatusFailed, Err: err}
	}
}

// record emits the outcome event, counts it and logs failures.
func (s *Scheduler) record(prog *progress, logger zerolog.Logger, o Outcome) Outcome {
	metrics.RecordTransfer(string(o.Status))
	switch o.Status {
	case StatusFetched:
		prog.send(EventFetched, o.Filename, "")
	case StatusSkipped:
		prog.send(EventSkipped, o.Filename, "not found on server")
		logger.Debug().Str(xlog.FieldEvent, "transfer.skipped").Str(xlog.FieldFile, o.Filename).Msg("segment missing on server")
	case StatusFailed:
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		prog.send(EventFailed, o.Filename, msg)
		logger.Warn().Err(o.Err).Str(xlog.FieldEvent, "transfer.file_failed").Str(xlog.FieldFile, o.Filename).Msg("segment transfer failed")
	}
	return o
}

// rewriteManifest atomically replaces the local manifest.
func rewriteManifest(localPath string, m *manifest.Manifest) error {
	return renameio.WriteFile(localPath, []byte(m.String()), 0o640)
}
