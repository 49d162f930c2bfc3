// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package cache provides the shared key-value cache the coordination layer is
// built on: the Client contract, an in-memory store, a Badger-backed store,
// the process-wide Manager accessor, and the cached-query wrapper.
package cache

import (
	"context"
	"time"
)

// Client is the contract every cache consumer depends on. Values are
// JSON-serialized strings; a TTL of 0 means no expiry.
//
// No ordering guarantee is provided between concurrent Set calls on
// different keys. Same-key races are resolved by the distributed lock's own
// protocol, not by this layer.
type Client interface {
	// Get returns the value for key and whether it was present and
	// unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key. A ttl of 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Stats tracks store performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	TotalKeys int64
}
