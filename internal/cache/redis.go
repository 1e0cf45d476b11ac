// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	xlog "github.com/ManuGH/hlsfetch/internal/log"
)

// DefaultRedisPrefix namespaces every key this process writes.
const DefaultRedisPrefix = "hlsfetch:listing:"

const (
	opTimeout = 2 * time.Second
	scanBatch = 100
)

// RedisConfig selects the server and key namespace.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to DefaultRedisPrefix.
	Prefix string
}

// Redis shares listings between hlsfetch processes browsing the same
// server. Keys are prefixed; Clear and Stats only touch that prefix.
type Redis struct {
	counters
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisCache connects and pings the server.
func NewRedisCache(cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	logger.Info().
		Str(xlog.FieldEvent, "cache.redis_connected").
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("listing cache backed by redis")
	return newRedis(rdb, cfg.Prefix, logger), nil
}

func newRedis(rdb *redis.Client, prefix string, logger zerolog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix, logger: logger}
}

// bounded caps ctx so a stalled server costs at most one opTimeout.
func bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func (r *Redis) warn(err error, op, key string) {
	r.logger.Warn().Err(err).Str(xlog.FieldEvent, "cache.redis_"+op+"_failed").Str("key", key).Msg("redis listing cache error")
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.warn(err, "get", key)
	}
	r.hit(err == nil)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	if err := r.rdb.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		r.warn(err, "set", key)
		return
	}
	r.sets.Add(1)
}

func (r *Redis) Delete(ctx context.Context, key string) {
	ctx, cancel := bounded(ctx)
	defer cancel()
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		r.warn(err, "delete", key)
	}
}

// keys lists every key under the prefix.
func (r *Redis) keys(ctx context.Context) ([]string, error) {
	var out []string
	it := r.rdb.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for it.Next(ctx) {
		out = append(out, it.Val())
	}
	return out, it.Err()
}

// Clear deletes the prefixed keys in one pipeline. Unrelated keys in the
// same database survive.
func (r *Redis) Clear(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keys, err := r.keys(ctx)
	if err != nil {
		r.warn(err, "scan", r.prefix+"*")
		return
	}
	if len(keys) == 0 {
		return
	}
	cmds, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		r.warn(err, "clear", r.prefix+"*")
	}
	for _, c := range cmds {
		if n, err := c.(*redis.IntCmd).Result(); err == nil {
			r.evictions.Add(n)
		}
	}
}

func (r *Redis) Stats(ctx context.Context) Stats {
	ctx, cancel := bounded(ctx)
	defer cancel()
	keys, err := r.keys(ctx)
	if err != nil {
		r.warn(err, "scan", r.prefix+"*")
	}
	return r.snapshot(len(keys))
}

// Ping reports whether the server answers.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
