// SPDX-License-Identifier: MIT

// Package cache provides the directory-listing cache: an in-memory TTL
// store and a Redis-backed store sharing one interface. Values are opaque
// byte slices; callers own the encoding.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cache stores listing blobs with a per-entry TTL. Lookups never fail: a
// backend error reads as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// Clear drops every entry this cache owns.
	Clear(ctx context.Context)
	Stats(ctx context.Context) Stats
	Close() error
}

// Stats are cumulative counters plus the current entry count.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// counters is shared by both backends.
type counters struct {
	hits, misses, sets, evictions atomic.Int64
}

func (c *counters) hit(ok bool) {
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) snapshot(entries int) Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
	}
}

type item struct {
	value   []byte
	expires time.Time
}

// Memory is the in-process Cache. Values are copied in and out.
type Memory struct {
	counters
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time

	stop      context.CancelFunc
	swept     chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache returns a Memory cache. A positive sweep interval starts
// a goroutine that drops expired entries until Close.
func NewMemoryCache(sweep time.Duration) *Memory {
	m := &Memory{items: make(map[string]item), now: time.Now}
	if sweep > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.stop, m.swept = cancel, make(chan struct{})
		go m.sweepEvery(ctx, sweep)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	it, ok := m.items[key]
	ok = ok && m.now().Before(it.expires)
	m.mu.Unlock()
	m.hit(ok)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), it.value...), true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	m.items[key] = item{value: append([]byte(nil), value...), expires: m.now().Add(ttl)}
	m.mu.Unlock()
	m.sets.Add(1)
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

func (m *Memory) Clear(context.Context) {
	m.mu.Lock()
	clear(m.items)
	m.mu.Unlock()
}

func (m *Memory) Stats(context.Context) Stats {
	m.mu.Lock()
	n := len(m.items)
	m.mu.Unlock()
	return m.snapshot(n)
}

// expire removes entries past their deadline and returns how many.
func (m *Memory) expire() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now, n := m.now(), 0
	for k, it := range m.items {
		if !now.Before(it.expires) {
			delete(m.items, k)
			n++
		}
	}
	m.evictions.Add(int64(n))
	return n
}

func (m *Memory) sweepEvery(ctx context.Context, every time.Duration) {
	defer close(m.swept)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.expire()
		}
	}
}

// Close stops the sweeper and waits for it. It may be called repeatedly.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		if m.stop != nil {
			m.stop()
			<-m.swept
		}
	})
	return nil
}

// Nop caches nothing. It stands in when listing caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) {}
func (Nop) Delete(context.Context, string)                     {}
func (Nop) Clear(context.Context)                              {}
func (Nop) Stats(context.Context) Stats                        { return Stats{} }
func (Nop) Close() error                                       { return nil }
