// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/msgbyte/tianji-coord/internal/cache"
	"github.com/msgbyte/tianji-coord/internal/config"
	"github.com/msgbyte/tianji-coord/internal/lock"
)

func newTestServer(t *testing.T) (*httptest.Server, *lock.Locker) {
	t.Helper()
	locker := lock.New(cache.NewMemoryStore(0), lock.Options{JitterMax: time.Millisecond})
	s := New(config.ServerConfig{Timeout: 5 * time.Second}, locker, nil)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, locker
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestLockInfoNotHeld(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/locks/some-job")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for a free lock, got %d", resp.StatusCode)
	}
}

func TestLockInfoHeld(t *testing.T) {
	ts, locker := newTestServer(t)

	res, _ := locker.Acquire(context.Background(), "some-job", nil)
	if !res.Acquired {
		t.Fatal("Setup acquire failed")
	}

	resp, err := http.Get(ts.URL + "/api/locks/some-job")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for a held lock, got %d", resp.StatusCode)
	}

	var info lock.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if info.ID != res.LockID {
		t.Errorf("Expected lock id %s, got %s", res.LockID, info.ID)
	}
}

func TestQuotaCheckRouteAbsentWithoutChecker(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/quota/check", "application/json",
		strings.NewReader(`{"workspaceId":"ws1","gatewayId":"gw1","cost":1}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected quota route to be absent, got %d", resp.StatusCode)
	}
}
