// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/msgbyte/tianji-coord/internal/config"
	"github.com/msgbyte/tianji-coord/internal/logging"
)

// Manager lazily constructs and hands out a single cache Client per
// process. Construction is idempotent and safe to call concurrently: the
// first caller builds the client, later callers get the same instance.
//
// Prefer passing a Manager (or the Client it yields) explicitly; the
// package-level Default accessor exists for the few call sites that have no
// wiring path to main.
type Manager struct {
	cfg config.CacheConfig

	once   sync.Once
	client Client
	err    error
}

// NewManager creates a Manager for the configured backend. The backing
// store is not opened until the first Client call.
func NewManager(cfg config.CacheConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Client returns the process-wide cache client, constructing it on first
// use. A construction failure is sticky: every subsequent call returns the
// same error.
func (m *Manager) Client(ctx context.Context) (Client, error) {
	m.once.Do(func() {
		switch m.cfg.Backend {
		case "badger":
			m.client, m.err = NewBadgerStore(m.cfg.Path)
		case "memory", "":
			m.client = NewMemoryStore(m.cfg.CleanupInterval)
		default:
			m.err = fmt.Errorf("unknown cache backend %q", m.cfg.Backend)
		}
		if m.err == nil {
			logging.Info().Str("backend", m.cfg.Backend).Msg("Cache client initialized")
		}
	})
	return m.client, m.err
}

// Close releases the backing store if it was ever constructed.
func (m *Manager) Close() error {
	type closer interface{ Close() error }
	if c, ok := m.client.(closer); ok && m.client != nil {
		return c.Close()
	}
	return nil
}

var (
	defaultMu      sync.RWMutex
	defaultManager *Manager
)

// SetDefault installs the process-wide Manager, typically from main().
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = m
}

// Get returns the client of the process-wide Manager. It falls back to an
// in-memory store when no Manager was installed, so library consumers and
// tests work without wiring.
func Get(ctx context.Context) (Client, error) {
	defaultMu.RLock()
	m := defaultManager
	defaultMu.RUnlock()

	if m == nil {
		defaultMu.Lock()
		if defaultManager == nil {
			defaultManager = NewManager(config.CacheConfig{Backend: "memory"})
		}
		m = defaultManager
		defaultMu.Unlock()
	}
	return m.Client(ctx)
}
