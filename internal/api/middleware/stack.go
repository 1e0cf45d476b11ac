// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"github.com/go-chi/chi/v5"
)

// StackConfig selects the optional layers of the middleware stack.
type StackConfig struct {
	ServiceName   string
	EnableTracing bool
	EnableMetrics bool
}

// ApplyStack installs the middleware chain in a fixed order:
// Recoverer, RequestID, Tracing, Metrics, AccessLog. Rate limiting is
// applied per route group so probes are never throttled.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if cfg.EnableTracing {
		r.Use(OTelHTTP(cfg.ServiceName))
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	r.Use(AccessLog)
}
