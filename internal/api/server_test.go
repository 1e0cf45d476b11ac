// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/hlsfetch/internal/browse"
	"github.com/ManuGH/hlsfetch/internal/cachedir"
	"github.com/ManuGH/hlsfetch/internal/config"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/ftp/ftptest"
	"github.com/ManuGH/hlsfetch/internal/monitor"
	"github.com/ManuGH/hlsfetch/internal/transfer"
)

// remoteTree lays out root/rec/id_1_show/{cover.jpg,show_hls/...} with n
// ten-second segments.
func remoteTree(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	parent := filepath.Join(root, "rec", "id_1_show")
	dir := filepath.Join(parent, "show_hls")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "cover.jpg"), []byte("cover"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumbnail.jpg"), []byte("thumb"), 0o600))

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "#EXTINF:10.0,\nsegment%d.ts\n", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("segment%d.ts", i)), []byte("ts"), 0o600))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(b.String()), 0o600))
	return root
}

type fixture struct {
	cfg     config.Config
	mon     *monitor.Monitor
	tree    *browse.Tree
	runner  *transfer.Runner
	cache   *cachedir.Manager
	handler http.Handler
}

// newFixture wires the API against an in-process FTP server. With connect
// false the monitor is never started.
func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	srv := ftptest.New(t, remoteTree(t, 3))

	cfg := config.Defaults()
	cfg.FTP.Host = srv.Host()
	cfg.FTP.Port = srv.Port()
	cfg.FTP.Username = "viewer"
	cfg.FTP.Password = "s3cret:pw"
	cfg.FTP.BasePath = "/rec"
	cfg.Cache.Root = t.TempDir()
	cfg.API.RateLimit = 0

	logger := zerolog.New(io.Discard)
	mon := monitor.New(cfg.Endpoint(), monitor.WithLogger(logger), monitor.WithRetryDelay(50*time.Millisecond))
	if connect {
		mon.Start(context.Background())
		t.Cleanup(mon.Stop)
		require.Eventually(t, func() bool { return mon.Status().State == monitor.Connected }, 3*time.Second, 5*time.Millisecond)
	}

	dial := transfer.FTPDialer(cfg.Endpoint(), ftp.WithTimeout(2*time.Second))
	runner := transfer.NewRunner(transfer.NewScheduler(dial, transfer.Options{Logger: &logger}))
	t.Cleanup(runner.Stop)

	f := &fixture{
		cfg:    cfg,
		mon:    mon,
		tree:   browse.New(mon, browse.Options{BasePath: cfg.FTP.BasePath, DirSuffix: cfg.HLS.DirSuffix, Logger: &logger}),
		runner: runner,
		cache:  cachedir.NewManager(cfg.CacheSettings()),
	}
	s, err := New(Deps{
		Config:  func() config.Config { return f.cfg },
		Tree:    f.tree,
		Conn:    mon,
		Runner:  runner,
		Cache:   f.cache,
		Dial:    dial,
		Version: "test",
	})
	require.NoError(t, err)
	f.handler = s.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestBrowse(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/api/v1/browse", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	root := decode[browseResponse](t, w)
	assert.Equal(t, "/rec", root.Path)
	require.Len(t, root.Entries, 1)
	assert.Equal(t, "id_1_show", root.Entries[0].Name)

	w = f.do(t, http.MethodGet, "/api/v1/browse?path=id_1_show", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	show := decode[browseResponse](t, w)
	var hls *browse.Node
	for i := range show.Entries {
		if show.Entries[i].Name == "show_hls" {
			hls = &show.Entries[i]
		}
	}
	require.NotNil(t, hls)
	assert.True(t, hls.IsHLS)
	assert.Equal(t, "/rec/id_1_show/show_hls", hls.Path)

	w = f.do(t, http.MethodGet, "/api/v1/search?q=SHOW_h", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"/rec/id_1_show/show_hls"}, decode[searchResponse](t, w).Matches)

	w = f.do(t, http.MethodGet, "/api/v1/next?path=/rec/id_1_show/show_hls", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[nextResponse](t, w).Found)
}

func TestBrowse_NotConnected(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/v1/browse", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_connected", decode[errorBody](t, w).Error)
}

func TestBrowse_RejectsTraversal(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/v1/browse?path=../etc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[errorBody](t, w)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "path", body.Fields[0].Field)
}

func readStream(t *testing.T, body io.Reader) []streamLine {
	t.Helper()
	var lines []streamLine
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var l streamLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestMaterialize_StreamsEventsThenResult(t *testing.T) {
	f := newFixture(t, true)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/api/v1/materialize", "application/json",
		strings.NewReader(`{"remoteDir":"id_1_show/show_hls","previewSeconds":20}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeNDJSON, resp.Header.Get("Content-Type"))

	lines := readStream(t, resp.Body)
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	require.Equal(t, "result", last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Success, last.Result.Error)
	assert.True(t, last.Result.Preview)
	assert.Equal(t, transfer.Counts{Fetched: 2}, last.Result.Counts)
	for _, l := range lines[:len(lines)-1] {
		assert.Equal(t, "event", l.Type)
	}

	want := f.cache.DirFor("/rec/id_1_show/show_hls")
	assert.Equal(t, want, last.Result.LocalDir)
	assert.Equal(t, want, f.runner.ActiveDir())
	data, err := os.ReadFile(filepath.Join(want, "playlist.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "segment2.ts")
	assert.NotContains(t, string(data), "segment3.ts")
}

func TestMaterialize_RejectsBadInput(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/materialize", `{"remoteDir":"x_hls","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/materialize", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/materialize", `{"remoteDir":"x_hls","previewSeconds":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/materialize", `{"remoteDir":"x_hls"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "monitor never connected")
}

func TestPreviews(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/v1/previews", `{"remoteDir":"/rec/id_1_show/show_hls"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[previewsResponse](t, w)
	assert.Empty(t, resp.Error)
	assert.Equal(t, filepath.Join(resp.LocalDir, "cover.jpg"), resp.Cover)
	assert.Equal(t, filepath.Join(resp.LocalDir, "thumbnail.jpg"), resp.Frame, "thumbnail stands in for the first frame")
}

func TestURL_MasksPassword(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/v1/url?path=id_1_show/show_hls", "")
	require.Equal(t, http.StatusOK, w.Code)
	masked := decode[urlResponse](t, w)
	assert.False(t, masked.Revealed)
	assert.Contains(t, masked.URL, "ftp://viewer:***@")
	assert.True(t, strings.HasSuffix(masked.URL, "/rec/id_1_show/show_hls"), masked.URL)
	assert.NotContains(t, masked.URL, "s3cret")

	w = f.do(t, http.MethodGet, "/api/v1/url?path=id_1_show/show_hls&reveal=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[urlResponse](t, w).URL, "viewer:s3cret%3Apw@")
}

// fakeRunner reports a fixed session state.
type fakeRunner struct {
	mu      sync.Mutex
	running bool
	active  string
}

func (r *fakeRunner) Start(context.Context, transfer.Request, func(transfer.Event)) <-chan transfer.Result {
	ch := make(chan transfer.Result, 1)
	ch <- transfer.Result{}
	close(ch)
	return ch
}

func (r *fakeRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRunner) ActiveDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// cacheFixture lays out n cache directories with increasing mtimes and
// returns a handler whose session is on the directory at index active.
func cacheFixture(t *testing.T, n, active int, running bool) (http.Handler, *cachedir.Manager, []string) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Cache.Root = t.TempDir()
	cfg.Cache.MaxDirs = 5
	cfg.API.RateLimit = 0
	mgr := cachedir.NewManager(cfg.CacheSettings())

	dirs := make([]string, n)
	base := time.Now().Add(-time.Hour)
	for i := range dirs {
		local := mgr.DirFor(fmt.Sprintf("/rec/show%d_hls", i))
		require.NoError(t, os.MkdirAll(local, 0o750))
		top := filepath.Dir(local)
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(top, mt, mt))
		dirs[i] = local
	}
	runner := &fakeRunner{running: running}
	if active >= 0 {
		runner.active = dirs[active]
	}
	s, err := New(Deps{
		Config: func() config.Config { return cfg },
		Tree:   browse.New(monitor.New(ftp.Endpoint{}), browse.Options{}),
		Conn:   monitor.New(ftp.Endpoint{}),
		Runner: runner,
		Cache:  mgr,
	})
	require.NoError(t, err)
	return s.Handler(), mgr, dirs
}

func TestCacheEvict_ProtectsActive(t *testing.T) {
	h, mgr, dirs := cacheFixture(t, 7, 0, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cache/evict", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	report := decode[cachedir.Report](t, w)
	assert.Len(t, report.Removed, 2)
	assert.Equal(t, filepath.Dir(dirs[0]), report.Protected)

	left, err := mgr.List(dirs[0])
	require.NoError(t, err)
	assert.Len(t, left, 5)
	assert.True(t, left[0].Active)
}

func TestCacheEvict_ExplicitCap(t *testing.T) {
	h, _, _ := cacheFixture(t, 3, -1, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cache/evict", strings.NewReader(`{"maxDirs":1}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[cachedir.Report](t, w).Remaining)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/cache/evict", strings.NewReader(`{"maxDirs":-1}`))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCachePurge(t *testing.T) {
	h, mgr, _ := cacheFixture(t, 3, -1, true)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/cache", nil))
	assert.Equal(t, http.StatusConflict, w.Code, "refused while running")

	h, mgr, _ = cacheFixture(t, 3, -1, false)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/cache", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[cachedir.Report](t, w).Removed, 3)

	left, err := mgr.List("")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCacheList(t *testing.T) {
	h, _, dirs := cacheFixture(t, 2, 1, false)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/cache", nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[cacheListResponse](t, w)
	assert.Equal(t, dirs[1], resp.ActiveDir)
	require.Len(t, resp.Dirs, 2)
	assert.True(t, resp.Dirs[1].Active)
}

func TestStatusAndProbes(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[statusResponse](t, w)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, monitor.Connected, st.Connection.State)
	assert.False(t, st.Running)
	assert.NotNil(t, st.Cache)

	w = f.do(t, http.MethodPost, "/api/v1/connect", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)

	w = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hlsfetch_http_request_duration_seconds")
}
