// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig sizes a per-client sliding window.
type RateLimitConfig struct {
	// Limit is the number of requests per Window. Zero or less disables
	// limiting.
	Limit  int
	Window time.Duration
}

// RateLimit throttles each client IP with httprate's sliding window counter.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	retryAfter := strconv.Itoa(max(1, int(cfg.Window.Seconds())))
	return httprate.Limit(cfg.Limit, cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		}),
	)
}

// APIRateLimit allows perMinute requests per client IP.
func APIRateLimit(perMinute int) func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{Limit: perMinute, Window: time.Minute})
}
