// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/monitor"
	"github.com/ManuGH/hlsfetch/internal/transfer"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

// ContentTypeNDJSON is the media type of the materialization stream.
const ContentTypeNDJSON = "application/x-ndjson"

type materializeRequest struct {
	RemoteDir      string   `json:"remoteDir"`
	PreviewSeconds *float64 `json:"previewSeconds,omitempty"`
	MultiThread    *bool    `json:"multiThread,omitempty"`
}

// streamLine is one line of the NDJSON stream. Exactly one of Event and
// Result is set; the result line is always last.
type streamLine struct {
	Type   string           `json:"type"`
	Event  *transfer.Event  `json:"event,omitempty"`
	Result *transfer.Result `json:"result,omitempty"`
}

type previewsRequest struct {
	RemoteDir string `json:"remoteDir"`
}

type previewsResponse struct {
	RemoteDir string `json:"remoteDir"`
	LocalDir  string `json:"localDir"`
	transfer.Previews
	Error string `json:"error,omitempty"`
}

// buildRequest turns the body into a transfer request using configured
// defaults for the optional fields.
func (s *Server) buildRequest(body materializeRequest) (transfer.Request, error) {
	cfg := s.deps.Config()

	v := validate.New()
	v.NotEmpty("remoteDir", body.RemoteDir)
	if err := v.Err(); err != nil {
		return transfer.Request{}, err
	}
	remote, err := s.resolvePath("remoteDir", body.RemoteDir)
	if err != nil {
		return transfer.Request{}, err
	}

	preview := cfg.Download.PreviewSeconds
	if body.PreviewSeconds != nil {
		preview = *body.PreviewSeconds
	}
	pooled := cfg.Download.MultiThread
	if body.MultiThread != nil {
		pooled = *body.MultiThread
	}
	v.FloatRange("previewSeconds", preview, 0, 86400)
	if err := v.Err(); err != nil {
		return transfer.Request{}, err
	}

	return transfer.Request{
		RemoteDir:      remote,
		ManifestName:   cfg.HLS.Manifest,
		LocalDir:       s.deps.Cache.DirFor(remote),
		PreviewSeconds: preview,
		Pooled:         pooled,
	}, nil
}

// handleMaterialize starts a materialization, superseding any running one,
// and streams its progress events followed by the result as NDJSON. The
// run is detached from the request: a client that goes away stops reading
// but does not cancel the transfer.
func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	var body materializeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	req, err := s.buildRequest(body)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if st := s.deps.Conn.Status(); st.State != monitor.Connected {
		writeProblem(w, r, http.StatusServiceUnavailable, "not_connected", "FTP server is not connected ("+st.State.String()+")")
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldEvent, "api.materialize").
		Str(log.FieldRemoteDir, req.RemoteDir).
		Str(log.FieldLocalDir, req.LocalDir).
		Float64("preview_seconds", req.PreviewSeconds).
		Bool("pooled", req.Pooled).
		Msg("materialization requested")

	events := make(chan transfer.Event, 64)
	done := make(chan struct{})
	defer close(done)
	emit := func(e transfer.Event) {
		select {
		case events <- e:
		case <-done:
		}
	}
	results := s.deps.Runner.Start(context.WithoutCancel(r.Context()), req, emit)

	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	write := func(line streamLine) bool {
		if err := enc.Encode(line); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		return true
	}

	for {
		select {
		case e := <-events:
			if !write(streamLine{Type: "event", Event: &e}) {
				return
			}
		case res, ok := <-results:
			if !ok {
				return
			}
			// Every emit returned before the result was sent.
			for drained := false; !drained; {
				select {
				case e := <-events:
					if !write(streamLine{Type: "event", Event: &e}) {
						return
					}
				default:
					drained = true
				}
			}
			write(streamLine{Type: "result", Result: &res})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handlePreviews fetches the cover and first-frame images for an HLS
// directory into its cache directory.
func (s *Server) handlePreviews(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dial == nil {
		writeProblem(w, r, http.StatusNotImplemented, "unsupported", "preview fetching is not available")
		return
	}
	var body previewsRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	v := validate.New()
	v.NotEmpty("remoteDir", body.RemoteDir)
	if err := v.Err(); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	remote, err := s.resolvePath("remoteDir", body.RemoteDir)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}

	sess, err := s.deps.Dial(r.Context())
	if err != nil {
		writeProblem(w, r, http.StatusBadGateway, "connect_failed", err.Error())
		return
	}
	defer func() { _ = sess.Disconnect() }()

	cfg := s.deps.Config()
	local := s.deps.Cache.DirFor(remote)
	previews, err := transfer.FetchPreviews(r.Context(), sess, remote, local, cfg.PreviewNames())
	resp := previewsResponse{RemoteDir: remote, LocalDir: local, Previews: previews}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
