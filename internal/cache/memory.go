// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package cache

import (
	"context"
	"sync"
	"time"
)

// entry is a stored value with its expiration. A zero ExpiresAt means the
// entry never expires.
type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a thread-safe in-memory Client with per-entry TTL and a
// periodic cleanup sweep. It is the default backend for single-instance
// deployments and the shared fixture for multi-instance tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]entry

	statsMu sync.Mutex
	stats   Stats

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore sweeping expired entries every
// cleanupInterval. A non-positive interval disables the sweep; expired
// entries are then only dropped lazily on Get.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Get returns the value for key, dropping it if expired.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.recordMiss()
		return "", false, nil
	}

	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if cur, ok := s.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		s.recordMiss()
		s.recordEviction()
		return "", false, nil
	}

	s.recordHit()
	return e.value, true, nil
}

// Set stores value under key. A ttl of 0 stores without expiry.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: expires}
	total := int64(len(s.entries))
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.TotalKeys = total
	s.statsMu.Unlock()
	return nil
}

// Delete removes key. No-op if the key is absent.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	s.recordEviction()
	return nil
}

// GetStats returns a snapshot of the store's counters.
func (s *MemoryStore) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// cleanupLoop periodically removes expired entries.
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

// cleanup removes all expired entries.
func (s *MemoryStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	evictions := int64(0)
	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, key)
			evictions++
		}
	}
	total := int64(len(s.entries))
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Evictions += evictions
	s.stats.TotalKeys = total
	s.statsMu.Unlock()
}

func (s *MemoryStore) recordHit() {
	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
}

func (s *MemoryStore) recordMiss() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *MemoryStore) recordEviction() {
	s.statsMu.Lock()
	s.stats.Evictions++
	s.statsMu.Unlock()
}

// Verify interface implementation at compile time
var _ Client = (*MemoryStore)(nil)
