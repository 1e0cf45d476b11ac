// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transfer

import (
	"context"

	"github.com/ManuGH/hlsfetch/internal/ftp"
)

// Session is one connected remote session. Implementations need not be
// safe for concurrent use; the scheduler never shares a session between
// goroutines.
type Session interface {
	Exists(ctx context.Context, remotePath string) (bool, error)
	Fetch(ctx context.Context, remotePath, localPath string) error
	Store(ctx context.Context, localPath, remotePath string) error
	Disconnect() error
}

// Dialer opens a new connected Session.
type Dialer func(ctx context.Context) (Session, error)

// FTPDialer returns a Dialer that opens a fresh FTP transport per call.
func FTPDialer(ep ftp.Endpoint, opts ...ftp.Option) Dialer {
	return func(ctx context.Context) (Session, error) {
		t := ftp.New(ep, opts...)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Request describes one materialization.
type Request struct {
	RemoteDir      string  `json:"remoteDir"`
	ManifestName   string  `json:"manifestName"`
	LocalDir       string  `json:"localDir"`
	PreviewSeconds float64 `json:"previewSeconds"`
	Pooled         bool    `json:"pooled"`
}

// Status is the outcome of one file transfer.
type Status string

const (
	StatusFetched Status = "fetched"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome records what happened to one segment.
type Outcome struct {
	Filename string `json:"filename"`
	Status   Status `json:"status"`
	Err      error  `json:"-"`
}

// Counts aggregates outcomes by status.
type Counts struct {
	Fetched int `json:"fetched"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusFetched:
		c.Fetched++
	case StatusSkipped:
		c.Skipped++
	case StatusFailed:
		c.Failed++
	}
}

// Result is the final report of a materialization.
type Result struct {
	JobID        string    `json:"jobId"`
	RemoteDir    string    `json:"remoteDir"`
	LocalDir     string    `json:"localDir"`
	ManifestPath string    `json:"manifestPath,omitempty"`
	Preview      bool      `json:"preview"`
	Targets      int       `json:"targets"`
	FileCount    int       `json:"fileCount"`
	Counts       Counts    `json:"counts"`
	Dropped      int       `json:"droppedMarkers,omitempty"`
	Outcomes     []Outcome `json:"outcomes,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Err          error     `json:"-"`
}

// EventKind names a progress notification.
type EventKind string

const (
	EventManifest EventKind = "manifest"
	EventFetch    EventKind = "fetch"
	EventFetched  EventKind = "fetched"
	EventSkipped  EventKind = "skipped"
	EventFailed   EventKind = "failed"
	EventWarning  EventKind = "warning"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is a progress notification. Completed and Total count segment
// outcomes so far against the number of targeted segments.
type Event struct {
	Kind      EventKind `json:"kind"`
	File      string    `json:"file,omitempty"`
	Message   string    `json:"message,omitempty"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
}
