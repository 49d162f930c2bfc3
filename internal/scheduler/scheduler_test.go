// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestServeRejectsBadSchedule(t *testing.T) {
	s := New()
	s.Add(Job{
		Name:     "broken",
		Schedule: "not a cron spec",
		Run:      func(ctx context.Context) error { return nil },
	})

	err := s.Serve(context.Background())
	if err == nil {
		t.Fatal("Expected error for invalid cron expression")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	s := New()
	s.Add(Job{
		Name:     "noop",
		Schedule: "* * * * *",
		Run:      func(ctx context.Context) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancellation")
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	s := New()
	fn := s.wrap(context.Background(), Job{
		Name: "panicky",
		Run:  func(ctx context.Context) error { panic("boom") },
	})

	// Must not propagate; a failing job never takes down the scheduler.
	fn()
}

func TestWrapSwallowsJobError(t *testing.T) {
	s := New()
	var calls atomic.Int64
	fn := s.wrap(context.Background(), Job{
		Name: "failing",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("job failed")
		},
	})

	fn()
	fn()
	if calls.Load() != 2 {
		t.Errorf("Expected job to stay runnable after errors, got %d calls", calls.Load())
	}
}
