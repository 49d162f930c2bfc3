// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/msgbyte/tianji-coord/internal/config"
)

func TestManagerReturnsSameClientConcurrently(t *testing.T) {
	m := NewManager(config.CacheConfig{Backend: "memory"})
	ctx := context.Background()

	const goroutines = 20
	clients := make([]Client, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Client(ctx)
			if err != nil {
				t.Errorf("Client failed: %v", err)
				return
			}
			clients[i] = c
		}()
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if clients[i] != clients[0] {
			t.Fatal("Expected all callers to receive the same client instance")
		}
	}
}

func TestDefaultAccessorUsesInstalledManager(t *testing.T) {
	m := NewManager(config.CacheConfig{Backend: "memory"})
	SetDefault(m)
	t.Cleanup(func() { SetDefault(nil) })
	ctx := context.Background()

	fromAccessor, err := Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	fromManager, err := m.Client(ctx)
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if fromAccessor != fromManager {
		t.Error("Expected accessor to yield the installed manager's client")
	}
}

func TestDefaultAccessorFallsBackToMemory(t *testing.T) {
	SetDefault(nil)
	t.Cleanup(func() { SetDefault(nil) })

	c, err := Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c == nil {
		t.Fatal("Expected a fallback client")
	}
	if _, ok := c.(*MemoryStore); !ok {
		t.Errorf("Expected memory fallback, got %T", c)
	}
}

func TestManagerUnknownBackend(t *testing.T) {
	m := NewManager(config.CacheConfig{Backend: "redis"})

	_, err := m.Client(context.Background())
	if err == nil {
		t.Fatal("Expected error for unknown backend")
	}

	// The failure is sticky
	_, err2 := m.Client(context.Background())
	if err2 == nil {
		t.Fatal("Expected sticky construction error")
	}
}
