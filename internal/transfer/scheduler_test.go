// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/hlsfetch/internal/fsutil"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	"github.com/ManuGH/hlsfetch/internal/ftp/ftptest"
	"github.com/ManuGH/hlsfetch/internal/manifest"
)

func playlist(n int, dur float64) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\nsegment%d.ts\n", dur, i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// remoteHLS lays out root/rec/show_hls with a playlist of n segments. Names
// in missing are referenced by the playlist but not created.
func remoteHLS(t *testing.T, n int, missing ...string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "rec", "show_hls")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(playlist(n, 10)), 0o600))
	skip := manifest.NameSet(missing...)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("segment%d.ts", i)
		if _, ok := skip[name]; ok {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data-"+name), 0o600))
	}
	return root
}

func newScheduler(srv *ftptest.Server) *Scheduler {
	ep := ftp.Endpoint{Host: srv.Host(), Port: srv.Port(), BasePath: "/rec"}
	logger := zerolog.New(io.Discard)
	return NewScheduler(FTPDialer(ep, ftp.WithTimeout(2*time.Second)), Options{Logger: &logger})
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) count(k EventKind) int {
	n := 0
	for _, got := range l.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func TestMaterializeSequentialFull(t *testing.T) {
	srv := ftptest.New(t, remoteHLS(t, 5))
	local := filepath.Join(t.TempDir(), "show_hls")
	var events eventLog

	res := newScheduler(srv).Materialize(context.Background(), Request{RemoteDir: "show_hls", LocalDir: local}, events.add)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, Counts{Fetched: 5}, res.Counts)
	assert.Equal(t, 6, res.FileCount)
	assert.Equal(t, filepath.Join(local, "playlist.m3u8"), res.ManifestPath)

	b, err := os.ReadFile(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, playlist(5, 10), string(b), "full download keeps the manifest intact")
	for i := 1; i <= 5; i++ {
		assert.FileExists(t, filepath.Join(local, fmt.Sprintf("segment%d.ts", i)))
	}

	kinds := events.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventManifest, kinds[0])
	assert.Equal(t, EventDone, kinds[len(kinds)-1])
	assert.Equal(t, 5, events.count(EventFetched))
	assert.Zero(t, events.count(EventWarning))
}

func TestMaterializePreviewSelectsPrefix(t *testing.T) {
	srv := ftptest.New(t, remoteHLS(t, 5))
	local := filepath.Join(t.TempDir(), "show_hls")

	res := newScheduler(srv).Materialize(context.Background(),
		Request{RemoteDir: "show_hls", LocalDir: local, PreviewSeconds: 25}, nil)

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Preview)
	assert.Equal(t, 2, res.Targets)
	assert.Equal(t, Counts{Fetched: 2}, res.Counts)

	m, err := manifest.Load(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"segment1.ts", "segment2.ts"}, manifest.Filenames(m.Segments()))
	assert.Contains(t, m.String(), "#EXT-X-ENDLIST")
	assert.NoFileExists(t, filepath.Join(local, "segment3.ts"))
}

func TestMaterializePooledWithMissingSegment(t *testing.T) {
	srv := ftptest.New(t, remoteHLS(t, 5, "segment3.ts"))
	local := filepath.Join(t.TempDir(), "show_hls")
	var events eventLog

	sched := newScheduler(srv)
	res := sched.Materialize(context.Background(),
		Request{RemoteDir: "show_hls", LocalDir: local, Pooled: true}, events.add)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, Counts{Fetched: 4, Skipped: 1, Failed: 0}, res.Counts)
	assert.Equal(t, 5, res.FileCount)

	m, err := manifest.Load(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"segment1.ts", "segment2.ts", "segment4.ts", "segment5.ts"},
		manifest.Filenames(m.Segments()),
		"rewritten manifest keeps playlist order regardless of completion order")

	assert.Equal(t, 1, events.count(EventWarning))
	assert.Equal(t, 1, events.count(EventSkipped))
	// The primary session stays open while the pool runs.
	assert.LessOrEqual(t, srv.PeakSessions(), sched.MaxWorkers()+1)
	assert.Equal(t, 5, srv.Sessions(), "one primary session plus one per existing segment")
}

func TestMaterializeMissingManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "rec", "empty_hls"), 0o750))
	srv := ftptest.New(t, root)
	var events eventLog

	res := newScheduler(srv).Materialize(context.Background(),
		Request{RemoteDir: "empty_hls", LocalDir: filepath.Join(t.TempDir(), "empty_hls")}, events.add)

	assert.False(t, res.Success)
	assert.Zero(t, res.FileCount)
	assert.Error(t, res.Err)
	assert.Equal(t, []EventKind{EventError}, events.kinds())
}

func TestMaterializeNothingRetainedFails(t *testing.T) {
	srv := ftptest.New(t, remoteHLS(t, 3, "segment1.ts", "segment2.ts", "segment3.ts"))

	res := newScheduler(srv).Materialize(context.Background(),
		Request{RemoteDir: "show_hls", LocalDir: filepath.Join(t.TempDir(), "show_hls")}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, Counts{Skipped: 3}, res.Counts)
	assert.FileExists(t, res.ManifestPath)
}

func TestMaterializeConnectFailure(t *testing.T) {
	dial := func(context.Context) (Session, error) {
		return nil, &ftp.ConnectError{Addr: "h:21", Err: errors.New("refused")}
	}
	res := NewScheduler(dial, Options{}).Materialize(context.Background(),
		Request{RemoteDir: "x_hls", LocalDir: t.TempDir()}, nil)

	assert.False(t, res.Success)
	var ce *ftp.ConnectError
	assert.ErrorAs(t, res.Err, &ce)
}

// fakeSession serves files from memory and fails the names in broken.
type fakeSession struct {
	files  map[string]string
	broken map[string]bool
}

func (f *fakeSession) Exists(_ context.Context, p string) (bool, error) {
	_, ok := f.files[p]
	return ok, nil
}

func (f *fakeSession) Fetch(_ context.Context, remote, local string) error {
	if f.broken[path.Base(remote)] {
		return &ftp.TransferError{Op: "fetch", Path: remote, Err: errors.New("426 transfer aborted")}
	}
	body, ok := f.files[remote]
	if !ok {
		return &ftp.TransferError{Op: "fetch", Path: remote, Err: ftp.ErrRemoteMissing}
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o750); err != nil {
		return err
	}
	return os.WriteFile(local, []byte(body), 0o600)
}

func (f *fakeSession) Store(context.Context, string, string) error { return nil }
func (f *fakeSession) Disconnect() error                           { return nil }

func TestMaterializeClassifiesFailures(t *testing.T) {
	files := map[string]string{"d_hls/playlist.m3u8": playlist(3, 4)}
	for i := 1; i <= 3; i++ {
		files[fmt.Sprintf("d_hls/segment%d.ts", i)] = "x"
	}
	sess := &fakeSession{files: files, broken: map[string]bool{"segment2.ts": true}}
	dial := func(context.Context) (Session, error) { return sess, nil }

	for _, pooled := range []bool{false, true} {
		t.Run(fmt.Sprintf("pooled=%v", pooled), func(t *testing.T) {
			res := NewScheduler(dial, Options{DialRate: -1}).Materialize(context.Background(),
				Request{RemoteDir: "d_hls", LocalDir: t.TempDir(), Pooled: pooled}, nil)
			require.True(t, res.Success, res.Error)
			assert.Equal(t, Counts{Fetched: 2, Failed: 1}, res.Counts)
			require.Len(t, res.Outcomes, 3)
			assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
			assert.Error(t, res.Outcomes[1].Err)
		})
	}
}

func TestMaterializeCancelled(t *testing.T) {
	srv := ftptest.New(t, remoteHLS(t, 5))
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	emit := func(e Event) {
		if e.Kind == EventFetched {
			once.Do(cancel)
		}
	}

	res := newScheduler(srv).Materialize(ctx,
		Request{RemoteDir: "show_hls", LocalDir: filepath.Join(t.TempDir(), "show_hls")}, emit)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Less(t, res.Counts.Fetched, 5, "no new files are started after cancellation")

	// The local manifest still matches what was fetched before the stop.
	require.NotEmpty(t, res.ManifestPath)
	m, err := manifest.Load(res.ManifestPath)
	require.NoError(t, err)
	assert.Len(t, m.Segments(), res.Counts.Fetched)
}

func TestMaterializeRejectsEscapingSegmentNames(t *testing.T) {
	files := map[string]string{
		"a/b/show_hls/playlist.m3u8": "#EXTM3U\n#EXTINF:10,\n../../escaped.ts\n#EXTINF:10,\nok.ts\n#EXT-X-ENDLIST\n",
		"a/escaped.ts":               "outside",
		"a/b/show_hls/ok.ts":         "inside",
	}
	sess := &fakeSession{files: files}
	dial := func(context.Context) (Session, error) { return sess, nil }

	for _, pooled := range []bool{false, true} {
		t.Run(fmt.Sprintf("pooled=%v", pooled), func(t *testing.T) {
			root := t.TempDir()
			local := filepath.Join(root, "hls_cache_x", "show_hls")

			res := NewScheduler(dial, Options{DialRate: -1}).Materialize(context.Background(),
				Request{RemoteDir: "a/b/show_hls", LocalDir: local, Pooled: pooled}, nil)

			require.True(t, res.Success, res.Error)
			assert.Equal(t, Counts{Fetched: 1, Failed: 1}, res.Counts)
			require.Len(t, res.Outcomes, 2)
			assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
			assert.ErrorIs(t, res.Outcomes[0].Err, fsutil.ErrOutsideRoot)
			assert.NoFileExists(t, filepath.Join(root, "escaped.ts"))
			assert.NoFileExists(t, filepath.Join(root, "hls_cache_x", "escaped.ts"))

			m, err := manifest.Load(res.ManifestPath)
			require.NoError(t, err)
			assert.Equal(t, []string{"ok.ts"}, manifest.Filenames(m.Segments()))
			assert.NotContains(t, m.String(), "escaped.ts")
		})
	}
}

func TestMaterializeRejectsEscapingManifestName(t *testing.T) {
	dialed := false
	dial := func(context.Context) (Session, error) { dialed = true; return &fakeSession{}, nil }

	res := NewScheduler(dial, Options{}).Materialize(context.Background(),
		Request{RemoteDir: "x_hls", ManifestName: "../playlist.m3u8", LocalDir: t.TempDir()}, nil)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, fsutil.ErrOutsideRoot)
	assert.False(t, dialed)
}
