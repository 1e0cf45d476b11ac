// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string           `json:"error"`
	Detail    string           `json:"detail,omitempty"`
	Fields    []validate.Error `json:"fields,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, code int, kind, detail string) {
	writeJSON(w, code, errorBody{
		Error:     kind,
		Detail:    detail,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// writeBadRequest reports malformed input. Validation errors keep their
// per-field detail.
func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Error:     "invalid_request",
		Detail:    err.Error(),
		RequestID: log.RequestIDFromContext(r.Context()),
	}
	var verr validate.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Errors()
	}
	writeJSON(w, http.StatusBadRequest, body)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var listErr *ftp.ListError
	switch {
	case errors.Is(err, ftp.ErrNotConnected):
		writeProblem(w, r, http.StatusServiceUnavailable, "not_connected", "FTP server is not connected")
	case errors.Is(err, browse.ErrReset):
		writeProblem(w, r, http.StatusConflict, "reset", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, r, http.StatusGatewayTimeout, "cancelled", err.Error())
	case errors.As(err, &listErr):
		writeProblem(w, r, http.StatusBadGateway, "list_failed", err.Error())
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Str(log.FieldEvent, "api.error").Str(log.FieldPath, r.URL.Path).Msg("request failed")
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// decodeJSON decodes a request body, rejecting unknown fields. An empty
// body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
