// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

type evictRequest struct {
	MaxDirs *int `json:"maxDirs,omitempty"`
}

type cacheListResponse struct {
	ActiveDir string         `json:"activeDir,omitempty"`
	Dirs      []cachedir.Dir `json:"dirs"`
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	dirs, err := s.deps.Cache.List(s.deps.Runner.ActiveDir())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dirs == nil {
		dirs = []cachedir.Dir{}
	}
	writeJSON(w, http.StatusOK, cacheListResponse{ActiveDir: s.deps.Runner.ActiveDir(), Dirs: dirs})
}

// handleCacheEvict trims the cache to maxDirs (the configured cap when
// omitted), protecting the directory of the current session.
func (s *Server) handleCacheEvict(w http.ResponseWriter, r *http.Request) {
	var body evictRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	maxDirs := s.deps.Config().Cache.MaxDirs
	if body.MaxDirs != nil {
		maxDirs = *body.MaxDirs
	}
	v := validate.New()
	v.NonNegative("maxDirs", maxDirs)
	if err := v.Err(); err != nil {
		writeBadRequest(w, r, err)
		return
	}

	report := s.deps.Cache.EvictTo(maxDirs, s.deps.Runner.ActiveDir())
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldEvent, "api.cache_evict").
		Int("max_dirs", maxDirs).
		Int("removed", len(report.Removed)).
		Int("failed", report.Failed).
		Msg("cache eviction requested")
	writeJSON(w, http.StatusOK, report)
}

// handleCachePurge removes every cache directory. It is refused while a
// materialization is writing into the cache.
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner.Running() {
		writeProblem(w, r, http.StatusConflict, "busy", "a materialization is running")
		return
	}
	report := s.deps.Cache.Purge()
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldEvent, "api.cache_purge").
		Int("removed", len(report.Removed)).
		Int("failed", report.Failed).
		Msg("cache purge requested")
	writeJSON(w, http.StatusOK, report)
}
