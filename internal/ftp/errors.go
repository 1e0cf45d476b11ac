// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ftp

import (
	"errors"
	"fmt"
	"net/textproto"
)

var (
	// ErrNotConnected is returned by every operation on a transport that is
	// disconnected or whose control connection has failed.
	ErrNotConnected = errors.New("ftp: not connected")

	// ErrRemoteMissing classifies a transfer whose remote file does not exist.
	ErrRemoteMissing = errors.New("ftp: remote file missing")
)

// ConnectError reports a failed dial, login or base-path change.
// Connect errors are always retryable.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ftp connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry. Always true.
func (e *ConnectError) Retryable() bool { return true }

// ListError reports that every listing variant failed for Path.
type ListError struct {
	Path string
	Tier ListTier // last tier attempted
	Err  error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("ftp list %q (%s): %v", e.Path, e.Tier, e.Err)
}

func (e *ListError) Unwrap() error { return e.Err }

// TransferError reports a failed fetch or store of a single file.
type TransferError struct {
	Op   string // "fetch" or "store"
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ftp %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Missing reports whether the remote side did not have the file.
func (e *TransferError) Missing() bool { return errors.Is(e.Err, ErrRemoteMissing) }

// replyCode returns the FTP reply code carried by err, or 0 when err is not a
// negative server reply (e.g. an I/O failure on the control connection).
func replyCode(err error) int {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}

// isReply reports whether err is a server reply (the connection is still usable).
func isReply(err error) bool { return replyCode(err) != 0 }

// IsRetryable reports whether err is worth retrying by reconnecting.
func IsRetryable(err error) bool {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrNotConnected)
}
