// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/validate"
)

type browseResponse struct {
	Path    string        `json:"path"`
	IsHLS   bool          `json:"isHls"`
	Entries []browse.Node `json:"entries"`
}

type searchResponse struct {
	Query   string   `json:"query"`
	Matches []string `json:"matches"`
}

type nextResponse struct {
	Current string `json:"current"`
	Next    string `json:"next,omitempty"`
	Found   bool   `json:"found"`
}

type urlResponse struct {
	Path     string `json:"path"`
	URL      string `json:"url"`
	Revealed bool   `json:"revealed"`
}

// resolvePath anchors a relative remote path under the browse root and
// rejects traversal. An empty path is the root itself.
func (s *Server) resolvePath(field, p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return s.deps.Tree.Root(), nil
	}
	v := validate.New()
	v.RemotePath(field, "/"+strings.TrimPrefix(p, "/"))
	if err := v.Err(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(s.deps.Tree.Root(), p)
	}
	return path.Clean(p), nil
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	dir, err := s.resolvePath("path", r.URL.Query().Get("path"))
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	var entries []browse.Node
	if refresh {
		entries, err = s.deps.Tree.Refresh(r.Context(), dir)
	} else {
		entries, err = s.deps.Tree.Expand(r.Context(), dir)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []browse.Node{}
	}
	writeJSON(w, http.StatusOK, browseResponse{Path: dir, IsHLS: s.deps.Tree.IsHLSDir(dir), Entries: entries})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	matches := s.deps.Tree.Search(q)
	if matches == nil {
		matches = []string{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Matches: matches})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	current, err := s.resolvePath("path", r.URL.Query().Get("path"))
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	next, ok := s.deps.Tree.NextHLS(current)
	writeJSON(w, http.StatusOK, nextResponse{Current: current, Next: next, Found: ok})
}

// handleURL returns the direct ftp:// URL for a remote path. The password
// is masked unless reveal=true.
func (s *Server) handleURL(w http.ResponseWriter, r *http.Request) {
	ep := s.deps.Conn.Endpoint()
	if !ep.Valid() {
		writeProblem(w, r, http.StatusServiceUnavailable, "not_configured", "no FTP host configured")
		return
	}
	p, err := s.resolvePath("path", r.URL.Query().Get("path"))
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	reveal, _ := strconv.ParseBool(r.URL.Query().Get("reveal"))
	url := ep.MaskedURL(p)
	if reveal {
		url = ep.DirectURL(p)
	}
	writeJSON(w, http.StatusOK, urlResponse{Path: p, URL: url, Revealed: reveal})
}
