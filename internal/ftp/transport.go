// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ftp implements the remote-file transport: one stateful FTP control
// connection per Transport, tolerant of servers that only support some of
// the LIST / NLST / MLSD listing commands.
package ftp

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/metrics"
)

// ConnState is the lifecycle state of a Transport's control connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithTimeout bounds dialing and each control exchange.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

func withDialer(d dialFunc) Option {
	return func(t *Transport) { t.dial = d }
}

// Transport owns one FTP control connection. It is not safe for concurrent
// use: the protocol allows a single outstanding command and every operation
// may change the server-side working directory temporarily.
type Transport struct {
	ep      Endpoint
	timeout time.Duration
	dial    dialFunc
	logger  zerolog.Logger

	c     control
	state ConnState
}

// New returns a disconnected Transport for ep.
func New(ep Endpoint, opts ...Option) *Transport {
	t := &Transport{
		ep:      ep,
		timeout: DefaultTimeout,
		dial:    dialControl,
		logger:  xlog.WithComponent("ftp"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Endpoint returns the endpoint this transport dials.
func (t *Transport) Endpoint() Endpoint { return t.ep }

// State returns the current connection state.
func (t *Transport) State() ConnState { return t.state }

// DirectURL builds the direct-access URL for remotePath.
func (t *Transport) DirectURL(remotePath string) string { return t.ep.DirectURL(remotePath) }

// Connect dials, logs in and changes into the base path. Any previous
// connection is discarded first. On failure the transport is left
// disconnected and Connect may be called again.
func (t *Transport) Connect(ctx context.Context) error {
	t.drop()

	addr := t.ep.Addr()
	c, err := t.dial(ctx, addr, t.timeout)
	if err != nil {
		metrics.RecordFTPConnect(false)
		return &ConnectError{Addr: addr, Err: err}
	}
	if err := c.Login(ctx, t.ep.Username, t.ep.Password); err != nil {
		_ = c.Close()
		metrics.RecordFTPConnect(false)
		return &ConnectError{Addr: addr, Err: fmt.Errorf("login: %w", err)}
	}
	if base := strings.TrimSpace(t.ep.BasePath); base != "" {
		if err := c.Cwd(ctx, base); err != nil {
			_ = c.Close()
			metrics.RecordFTPConnect(false)
			return &ConnectError{Addr: addr, Err: fmt.Errorf("change to base path %q: %w", base, err)}
		}
	}

	t.c = c
	t.state = StateConnected
	metrics.RecordFTPConnect(true)
	t.logger.Debug().
		Str(xlog.FieldEvent, "ftp.connected").
		Str(xlog.FieldHost, t.ep.Redacted()).
		Msg("ftp connection established")
	return nil
}

// Disconnect closes the connection. It is safe to call in any state.
func (t *Transport) Disconnect() error {
	if t.c == nil {
		t.state = StateDisconnected
		return nil
	}
	if t.state == StateConnected {
		if err := t.c.Quit(); err != nil {
			t.logger.Debug().Err(err).Str(xlog.FieldEvent, "ftp.quit_failed").Msg("QUIT failed")
		}
	}
	t.drop()
	return nil
}

func (t *Transport) drop() {
	if t.c != nil {
		_ = t.c.Close()
	}
	t.c = nil
	t.state = StateDisconnected
}

func (t *Transport) ready() error {
	if t.c == nil || t.state != StateConnected {
		return ErrNotConnected
	}
	return nil
}

// observe marks the connection failed when err is not a plain server reply.
// A negative reply leaves the connection usable; anything else (I/O error,
// timeout, cancellation) leaves it in an unknown protocol state.
func (t *Transport) observe(err error) error {
	if err != nil && !isReply(err) && t.state == StateConnected {
		t.state = StateFailed
		t.logger.Warn().Err(err).Str(xlog.FieldEvent, "ftp.connection_failed").Msg("ftp control connection failed")
	}
	return err
}

// withDir runs fn with dir as the working directory and restores the previous
// working directory afterwards, on every exit path. An empty dir runs fn in
// the current directory.
func (t *Transport) withDir(ctx context.Context, dir string, fn func() error) (err error) {
	if dir == "" || dir == "." {
		return fn()
	}
	prev, err := t.c.Pwd(ctx)
	if err != nil {
		return t.observe(err)
	}
	if err := t.c.Cwd(ctx, dir); err != nil {
		return t.observe(err)
	}
	defer func() {
		if t.state != StateConnected {
			return
		}
		if rerr := t.c.Cwd(context.WithoutCancel(ctx), prev); rerr != nil {
			t.observe(rerr)
			if err == nil {
				err = fmt.Errorf("restore working directory %q: %w", prev, rerr)
			}
		}
	}()
	return fn()
}

// ListDirectory lists dir, falling back from LIST to NLST to MLSD when the
// server rejects a command. Entries that cannot be classified are omitted.
func (t *Transport) ListDirectory(ctx context.Context, dir string) ([]Entry, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	var entries []Entry
	tier := TierDetailed
	err := t.withDir(ctx, dir, func() error {
		var err error
		entries, tier, err = t.list(ctx)
		return err
	})
	if err != nil {
		return nil, &ListError{Path: dir, Tier: tier, Err: err}
	}
	metrics.RecordListTier(string(tier))
	return entries, nil
}

func (t *Transport) list(ctx context.Context) ([]Entry, ListTier, error) {
	lines, err := t.c.List(ctx)
	if err == nil {
		return parseListLines(lines), TierDetailed, nil
	}
	if !isReply(err) {
		return nil, TierDetailed, t.observe(err)
	}
	t.logger.Debug().Err(err).Str(xlog.FieldEvent, "ftp.list_fallback").Str("tier", string(TierNameOnly)).Msg("LIST rejected, trying NLST")

	names, err := t.c.NameList(ctx)
	if err == nil {
		entries, err := t.classifyNames(ctx, cleanNames(names))
		return entries, TierNameOnly, err
	}
	if !isReply(err) {
		return nil, TierNameOnly, t.observe(err)
	}
	t.logger.Debug().Err(err).Str(xlog.FieldEvent, "ftp.list_fallback").Str("tier", string(TierMachine)).Msg("NLST rejected, trying MLSD")

	lines, err = t.c.MachineList(ctx)
	if err != nil {
		return nil, TierMachine, t.observe(err)
	}
	return parseMachineLines(lines), TierMachine, nil
}

// classifyNames decides file vs directory for name-only listings. Known
// media extensions are files; other names are probed with CWD and the
// listing directory is re-entered after every successful probe.
func (t *Transport) classifyNames(ctx context.Context, names []string) ([]Entry, error) {
	here, err := t.c.Pwd(ctx)
	if err != nil {
		return nil, t.observe(err)
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if HasFileExtension(name) {
			entries = append(entries, Entry{Name: name})
			continue
		}
		err := t.c.Cwd(ctx, name)
		switch {
		case err == nil:
			if err := t.c.Cwd(ctx, here); err != nil {
				return nil, t.observe(err)
			}
			entries = append(entries, Entry{Name: name, IsDir: true})
		case isReply(err):
			entries = append(entries, Entry{Name: name})
		default:
			return nil, t.observe(err)
		}
	}
	return entries, nil
}

// Exists lists the parent of remotePath and looks for an exact name match.
func (t *Transport) Exists(ctx context.Context, remotePath string) (bool, error) {
	parent, name := splitRemote(remotePath)
	entries, err := t.ListDirectory(ctx, parent)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Fetch downloads remotePath into localPath. The local file is replaced
// atomically, so a failed transfer never leaves a truncated file behind.
func (t *Transport) Fetch(ctx context.Context, remotePath, localPath string) error {
	if err := t.ready(); err != nil {
		return &TransferError{Op: "fetch", Path: remotePath, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o750); err != nil {
		return &TransferError{Op: "fetch", Path: remotePath, Err: err}
	}
	pending, err := renameio.NewPendingFile(localPath, renameio.WithPermissions(0o640))
	if err != nil {
		return &TransferError{Op: "fetch", Path: remotePath, Err: err}
	}
	defer func() { _ = pending.Cleanup() }()

	parent, name := splitRemote(remotePath)
	err = t.withDir(ctx, parent, func() error {
		return t.observe(t.c.Retr(ctx, name, pending))
	})
	if err != nil {
		if replyCode(err) == 550 {
			err = fmt.Errorf("%w: %v", ErrRemoteMissing, err)
		}
		return &TransferError{Op: "fetch", Path: remotePath, Err: err}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return &TransferError{Op: "fetch", Path: remotePath, Err: err}
	}
	return nil
}

// Store uploads localPath to remotePath, creating missing remote parents.
func (t *Transport) Store(ctx context.Context, localPath, remotePath string) error {
	if err := t.ready(); err != nil {
		return &TransferError{Op: "store", Path: remotePath, Err: err}
	}
	// #nosec G304 -- local paths come from the operator or our own cache dir
	f, err := os.Open(localPath)
	if err != nil {
		return &TransferError{Op: "store", Path: remotePath, Err: err}
	}
	defer func() { _ = f.Close() }()

	parent, name := splitRemote(remotePath)
	if err := t.MakeDirAll(ctx, parent); err != nil {
		return &TransferError{Op: "store", Path: remotePath, Err: err}
	}
	err = t.withDir(ctx, parent, func() error {
		return t.observe(t.c.Stor(ctx, name, f))
	})
	if err != nil {
		return &TransferError{Op: "store", Path: remotePath, Err: err}
	}
	return nil
}

// MakeDirAll creates dir and its missing parents. Rejections (typically
// "already exists") are ignored; connection failures are returned.
func (t *Transport) MakeDirAll(ctx context.Context, dir string) error {
	if err := t.ready(); err != nil {
		return err
	}
	dir = collapseSlashes(dir)
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	prefix := ""
	if strings.HasPrefix(dir, "/") {
		prefix = "/"
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		prefix += part
		if err := t.c.Mkd(ctx, prefix); err != nil && !isReply(err) {
			return t.observe(err)
		}
		prefix += "/"
	}
	return nil
}

// splitRemote splits a remote path into parent directory and base name.
// A bare name has an empty parent (the current directory).
func splitRemote(p string) (dir, name string) {
	p = collapseSlashes(p)
	dir, name = path.Split(p)
	switch {
	case dir == "":
	case dir == "/":
	default:
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, name
}
