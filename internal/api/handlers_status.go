// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/monitor"
)

type statusResponse struct {
	Version    string              `json:"version"`
	Connection monitor.Status      `json:"connection"`
	Running    bool                `json:"running"`
	ActiveDir  string              `json:"activeDir,omitempty"`
	Cache      *cachedir.DiskUsage `json:"cache,omitempty"`
	CacheError string              `json:"cacheError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:    s.deps.Version,
		Connection: s.deps.Conn.Status(),
		Running:    s.deps.Runner.Running(),
		ActiveDir:  s.deps.Runner.ActiveDir(),
	}
	usage, err := s.deps.Cache.Usage(r.Context())
	if err != nil {
		resp.CacheError = err.Error()
	} else {
		resp.Cache = &usage
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConnect asks the monitor for an immediate connection attempt.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Conn.Endpoint().Valid() {
		writeProblem(w, r, http.StatusServiceUnavailable, "not_configured", "no FTP host configured")
		return
	}
	s.deps.Conn.Connect()
	writeJSON(w, http.StatusAccepted, s.deps.Conn.Status())
}
