// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
)

// QueryFunc is an expensive computation keyed by its string arguments.
type QueryFunc[T any] func(ctx context.Context, args ...string) (T, error)

// Cached wraps a QueryFunc with get-or-compute-and-store semantics plus
// explicit invalidation and optimistic in-place update.
//
// It is a best-effort memoizer, not a single-flight guard: concurrent Get
// calls with identical arguments before the first completes may compute
// twice. Cache backend failures fail open — the caller always gets a value
// or the computation's own error, never a backend error.
type Cached[T any] struct {
	client Client
	name   string
	ttl    time.Duration
	fn     QueryFunc[T]
}

// NewCached builds a Cached wrapper. name identifies the query in cache
// keys and metrics; ttl 0 caches indefinitely.
func NewCached[T any](client Client, name string, ttl time.Duration, fn QueryFunc[T]) *Cached[T] {
	return &Cached[T]{client: client, name: name, ttl: ttl, fn: fn}
}

// Key derives the deterministic cache key for args.
func (c *Cached[T]) Key(args ...string) string {
	data, err := json.Marshal(args)
	if err != nil {
		// Unreachable for []string, kept for parity with GenerateKey-style
		// fallbacks.
		return fmt.Sprintf("query:%s:%v", c.name, args)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("query:%s:%x", c.name, hash[:16])
}

// Get returns the cached value for args, computing and storing it on miss.
func (c *Cached[T]) Get(ctx context.Context, args ...string) (T, error) {
	key := c.Key(args...)

	raw, ok, err := c.client.Get(ctx, key)
	if err != nil {
		metrics.QueryCacheErrors.WithLabelValues(c.name).Inc()
		logging.Warn().Err(err).Str("query", c.name).Msg("Cache read failed, recomputing")
	} else if ok {
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			metrics.QueryCacheErrors.WithLabelValues(c.name).Inc()
			logging.Warn().Err(err).Str("query", c.name).Msg("Cached value corrupt, recomputing")
		} else {
			metrics.QueryCacheHits.WithLabelValues(c.name).Inc()
			return value, nil
		}
	}

	metrics.QueryCacheMisses.WithLabelValues(c.name).Inc()

	value, err := c.fn(ctx, args...)
	if err != nil {
		return value, err
	}

	c.store(ctx, key, value)
	return value, nil
}

// Del removes the cached entry for args, forcing the next Get to recompute.
func (c *Cached[T]) Del(ctx context.Context, args ...string) error {
	if err := c.client.Delete(ctx, c.Key(args...)); err != nil {
		metrics.QueryCacheErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("invalidate %s: %w", c.name, err)
	}
	return nil
}

// Update overwrites the cached entry for args directly, bypassing the
// computation. Used to keep the cache consistent with side effects the
// caller just performed, without a recomputation round-trip.
func (c *Cached[T]) Update(ctx context.Context, value T, args ...string) error {
	key := c.Key(args...)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s update: %w", c.name, err)
	}
	if err := c.client.Set(ctx, key, string(data), c.ttl); err != nil {
		metrics.QueryCacheErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("update %s: %w", c.name, err)
	}
	return nil
}

// store writes a computed value back, best-effort.
func (c *Cached[T]) store(ctx context.Context, key string, value T) {
	data, err := json.Marshal(value)
	if err != nil {
		logging.Warn().Err(err).Str("query", c.name).Msg("Failed to marshal value for cache")
		return
	}
	if err := c.client.Set(ctx, key, string(data), c.ttl); err != nil {
		metrics.QueryCacheErrors.WithLabelValues(c.name).Inc()
		logging.Warn().Err(err).Str("query", c.name).Msg("Cache write failed")
	}
}
