// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/ManuGH/hlsfetch/internal/log"
)

// Recoverer turns a handler panic into a logged 500. http.ErrAbortHandler
// is re-raised so net/http can drop the connection.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logPanic(r, rec)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func logPanic(r *http.Request, rec any) {
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Error().
		Str(log.FieldEvent, "http.panic").
		Str("method", r.Method).
		Str(log.FieldPath, strings.ToValidUTF8(r.URL.Path, "")).
		Str("remote_addr", r.RemoteAddr).
		Interface("panic", rec).
		Bytes("stack", debug.Stack()).
		Msg("handler panicked")
}
