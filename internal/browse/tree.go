// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package browse keeps the lazily loaded view of the remote directory tree
// that callers navigate to pick an HLS directory.
package browse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/ManuGH/hlsfetch/internal/cache"
	"github.com/ManuGH/hlsfetch/internal/ftp"
	xlog "github.com/ManuGH/hlsfetch/internal/log"
	"github.com/ManuGH/hlsfetch/internal/metrics"
)

// DefaultDirSuffix marks directories that hold one HLS asset.
const DefaultDirSuffix = "_hls"

// ErrReset is returned to callers whose listing finished after Reset.
var ErrReset = errors.New("browse: tree reset during listing")

// LoadState tracks whether a node's children have been listed.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unloaded"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s LoadState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name as rendered by MarshalText.
func (s *LoadState) UnmarshalText(b []byte) error {
	for _, c := range []LoadState{Unloaded, Loading, Loaded} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("browse: unknown load state %q", b)
}

// Lister lists one remote directory. *monitor.Monitor satisfies it.
type Lister interface {
	Browse(ctx context.Context, dir string) ([]ftp.Entry, error)
}

// Options configures a Tree.
type Options struct {
	BasePath          string
	DirSuffix         string
	FilterIDDirs      bool
	ShowOnlyIDFolders bool
	// Cache stores raw listings keyed by path. Nil disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   *zerolog.Logger
}

// Node is a snapshot of one tree entry.
type Node struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	IsDir    bool      `json:"isDir"`
	IsHLS    bool      `json:"isHls,omitempty"`
	State    LoadState `json:"state"`
	LastErr  string    `json:"lastError,omitempty"`
	Children []Node    `json:"children,omitempty"`
}

type node struct {
	path     string
	name     string
	isDir    bool
	state    LoadState
	lastErr  error
	children []*node
}

// Tree is safe for concurrent use.
type Tree struct {
	lister Lister
	group  singleflight.Group
	logger zerolog.Logger

	mu    sync.RWMutex
	opts  Options
	root  *node
	index map[string]*node
	// gen invalidates in-flight loads across Reset.
	gen uint64
}

// New builds a tree rooted at opts.BasePath ("/" when empty).
func New(lister Lister, opts Options) *Tree {
	t := &Tree{lister: lister}
	if opts.Logger != nil {
		t.logger = *opts.Logger
	} else {
		t.logger = xlog.WithComponent("browse")
	}
	t.resetLocked(opts)
	return t
}

// Reset drops every loaded node and the listing cache, e.g. after the
// endpoint changed.
func (t *Tree) Reset(opts Options) {
	t.mu.Lock()
	if opts.Logger == nil {
		opts.Logger = t.opts.Logger
	}
	t.resetLocked(opts)
	t.mu.Unlock()
	if opts.Cache != nil {
		opts.Cache.Clear(context.Background())
	}
}

func (t *Tree) resetLocked(opts Options) {
	if opts.DirSuffix == "" {
		opts.DirSuffix = DefaultDirSuffix
	}
	root := cleanPath(opts.BasePath)
	opts.BasePath = root
	t.opts = opts
	t.gen++
	t.root = &node{path: root, name: root, isDir: true}
	t.index = map[string]*node{root: t.root}
}

// Root returns the path the tree is rooted at.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.path
}

// Expand loads the children of dir once and returns them. Concurrent calls
// for the same path share a single listing. A failed load leaves the node
// Unloaded with its error recorded so the next call retries.
func (t *Tree) Expand(ctx context.Context, dir string) ([]Node, error) {
	dir = cleanPath(dir)

	t.mu.Lock()
	n := t.ensureLocked(dir)
	if n.state == Loaded {
		out := snapshotChildren(n, t.opts.DirSuffix)
		t.mu.Unlock()
		return out, nil
	}
	n.state = Loading
	gen := t.gen
	t.mu.Unlock()

	v, err, shared := t.group.Do(dir, func() (any, error) {
		return t.load(ctx, dir)
	})
	if shared {
		t.logger.Debug().Str(xlog.FieldEvent, "browse.shared").Str(xlog.FieldPath, dir).Msg("joined in-flight listing")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		// The result belongs to the previous endpoint.
		if err != nil {
			return nil, err
		}
		return nil, ErrReset
	}
	n = t.ensureLocked(dir)
	if err != nil {
		n.state = Unloaded
		n.lastErr = err
		return nil, err
	}
	t.attachLocked(n, v.([]ftp.Entry))
	return snapshotChildren(n, t.opts.DirSuffix), nil
}

// Refresh forgets the cached listing of dir and lists it again.
func (t *Tree) Refresh(ctx context.Context, dir string) ([]Node, error) {
	dir = cleanPath(dir)
	t.mu.Lock()
	if n, ok := t.index[dir]; ok && n.state == Loaded {
		n.state = Unloaded
	}
	c := t.opts.Cache
	t.mu.Unlock()
	if c != nil {
		c.Delete(ctx, dir)
	}
	return t.Expand(ctx, dir)
}

func (t *Tree) load(ctx context.Context, dir string) ([]ftp.Entry, error) {
	t.mu.RLock()
	c, ttl := t.opts.Cache, t.opts.CacheTTL
	t.mu.RUnlock()

	if c != nil {
		if raw, ok := c.Get(ctx, dir); ok {
			var entries []ftp.Entry
			if err := json.Unmarshal(raw, &entries); err == nil {
				metrics.RecordListingCache(true)
				return entries, nil
			}
			c.Delete(ctx, dir)
		}
		metrics.RecordListingCache(false)
	}

	entries, err := t.lister.Browse(ctx, dir)
	if err != nil {
		t.logger.Warn().Err(err).
			Str(xlog.FieldEvent, "browse.list_failed").
			Str(xlog.FieldPath, dir).
			Msg("directory listing failed")
		return nil, err
	}

	if c != nil && ttl > 0 {
		if raw, err := json.Marshal(entries); err == nil {
			c.Set(ctx, dir, raw, ttl)
		}
	}
	return entries, nil
}

// ensureLocked returns the node for p, creating a detached Unloaded node for
// paths the tree has not reached yet.
func (t *Tree) ensureLocked(p string) *node {
	if n, ok := t.index[p]; ok {
		return n
	}
	n := &node{path: p, name: path.Base(p), isDir: true}
	t.index[p] = n
	return n
}

func (t *Tree) attachLocked(n *node, entries []ftp.Entry) {
	keep := t.filter(n.path, entries)

	prev := make(map[string]*node, len(n.children))
	for _, c := range n.children {
		prev[c.path] = c
	}

	children := make([]*node, 0, len(keep))
	for _, e := range keep {
		p := joinPath(n.path, e.Name)
		c, ok := prev[p]
		if ok && c.isDir != e.IsDir {
			t.forgetLocked(p, c)
			ok = false
		}
		if !ok {
			if existing, found := t.index[p]; found && existing.isDir == e.IsDir {
				c = existing
			} else {
				c = &node{path: p, name: e.Name, isDir: e.IsDir}
			}
		}
		delete(prev, p)
		t.index[p] = c
		children = append(children, c)
	}
	for p, gone := range prev {
		t.forgetLocked(p, gone)
	}

	n.children = children
	n.state = Loaded
	n.lastErr = nil
}

func (t *Tree) forgetLocked(p string, n *node) {
	for _, c := range n.children {
		t.forgetLocked(c.path, c)
	}
	delete(t.index, p)
}

// filter applies the folder filters to the listing of dir.
func (t *Tree) filter(dir string, entries []ftp.Entry) []ftp.Entry {
	onlyID := t.opts.ShowOnlyIDFolders && (dir == "/" || dir == t.opts.BasePath)
	hlsOnly := t.opts.FilterIDDirs && isIDName(path.Base(dir))
	if !onlyID && !hlsOnly {
		return entries
	}

	out := make([]ftp.Entry, 0, len(entries))
	for _, e := range entries {
		if onlyID && (!e.IsDir || !isIDName(e.Name)) {
			continue
		}
		if hlsOnly && (!e.IsDir || !strings.HasSuffix(e.Name, t.opts.DirSuffix)) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Node returns a snapshot of p and its loaded descendants.
func (t *Tree) Node(p string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.index[cleanPath(p)]
	if !ok {
		return Node{}, false
	}
	return snapshot(n, t.opts.DirSuffix, true), true
}

// IsHLSDir reports whether p names an HLS asset directory.
func (t *Tree) IsHLSDir(p string) bool {
	t.mu.RLock()
	suffix := t.opts.DirSuffix
	t.mu.RUnlock()
	return isHLSName(path.Base(cleanPath(p)), suffix)
}

// Search returns the paths of loaded nodes whose name contains text,
// ignoring case and Unicode normalization form, in tree order.
func (t *Tree) Search(text string) []string {
	needle := fold(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	t.walkLocked(func(n *node) {
		if n != t.root && strings.Contains(fold(n.name), needle) {
			out = append(out, n.path)
		}
	})
	return out
}

// NextHLS returns the HLS directory that follows current in tree order.
// When current is not a known HLS directory the first one is returned.
func (t *Tree) NextHLS(current string) (string, bool) {
	current = cleanPath(current)

	t.mu.RLock()
	defer t.mu.RUnlock()
	var dirs []string
	t.walkLocked(func(n *node) {
		if n.isDir && isHLSName(n.name, t.opts.DirSuffix) {
			dirs = append(dirs, n.path)
		}
	})

	for i, p := range dirs {
		if p == current {
			if i+1 < len(dirs) {
				return dirs[i+1], true
			}
			return "", false
		}
	}
	if len(dirs) > 0 {
		return dirs[0], true
	}
	return "", false
}

// walkLocked visits the attached nodes depth first in listing order.
func (t *Tree) walkLocked(fn func(*node)) {
	var visit func(*node)
	visit = func(n *node) {
		fn(n)
		for _, c := range n.children {
			visit(c)
		}
	}
	visit(t.root)
}

func snapshot(n *node, suffix string, deep bool) Node {
	out := Node{
		Path:  n.path,
		Name:  n.name,
		IsDir: n.isDir,
		IsHLS: n.isDir && isHLSName(n.name, suffix),
		State: n.state,
	}
	if n.lastErr != nil {
		out.LastErr = n.lastErr.Error()
	}
	if deep {
		out.Children = snapshotChildren(n, suffix)
	}
	return out
}

func snapshotChildren(n *node, suffix string) []Node {
	out := make([]Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, snapshot(c, suffix, c.state == Loaded))
	}
	return out
}

// isIDName matches "id_<digits>" optionally followed by "_<title>".
func isIDName(name string) bool {
	rest, ok := strings.CutPrefix(name, "id_")
	if !ok || rest == "" {
		return false
	}
	num, _, _ := strings.Cut(rest, "_")
	if num == "" {
		return false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHLSName(name, suffix string) bool {
	return suffix != "" && strings.HasSuffix(name, suffix)
}

func fold(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
