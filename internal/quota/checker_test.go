// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msgbyte/tianji-coord/internal/cache"
	"github.com/msgbyte/tianji-coord/internal/lock"
	"github.com/msgbyte/tianji-coord/internal/notification"
)

// memAlertStore is an in-memory Store. Records are copied on the way in and
// out, matching the fresh-unmarshal behavior of the durable store.
type memAlertStore struct {
	mu      sync.Mutex
	records map[string]AlertRecord
}

func newMemAlertStore() *memAlertStore {
	return &memAlertStore{records: make(map[string]AlertRecord)}
}

func (s *memAlertStore) GetAlertConfig(ctx context.Context, workspaceID, gatewayID string) (*AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[workspaceID+"/"+gatewayID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *memAlertStore) SaveAlertConfig(ctx context.Context, rec *AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.WorkspaceID+"/"+rec.GatewayID] = *rec
	return nil
}

func (s *memAlertStore) ListAlertConfigs(ctx context.Context) ([]*AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AlertRecord, 0, len(s.records))
	for _, rec := range s.records {
		r := rec
		out = append(out, &r)
	}
	return out, nil
}

// memLedger is an in-memory append-only cost log.
type memLedger struct {
	mu   sync.Mutex
	rows []ledgerRow
}

type ledgerRow struct {
	workspaceID string
	gatewayID   string
	cost        float64
	at          time.Time
}

func (l *memLedger) AppendCost(ctx context.Context, workspaceID, gatewayID string, cost float64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, ledgerRow{workspaceID, gatewayID, cost, at})
	return nil
}

func (l *memLedger) SumDailyCost(ctx context.Context, workspaceID, gatewayID, day string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, r := range l.rows {
		if r.workspaceID == workspaceID && r.gatewayID == gatewayID && DayKey(r.at) == day {
			total += r.cost
		}
	}
	return total, nil
}

// recordingSender captures sent notifications; fails while failing is set.
type recordingSender struct {
	mu      sync.Mutex
	failing bool
	sent    []sentAlert
}

type sentAlert struct {
	title   string
	level   string
	content []notification.Token
}

func (s *recordingSender) Send(ctx context.Context, target notification.Target, title string, content []notification.Token, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("notification channel down")
	}
	s.sent = append(s.sent, sentAlert{title: title, level: meta["level"], content: content})
	return nil
}

func (s *recordingSender) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *recordingSender) sentForLevel(level string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.sent {
		if a.level == level {
			n++
		}
	}
	return n
}

func (s *recordingSender) all() []sentAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentAlert(nil), s.sent...)
}

type checkerFixture struct {
	checker *Checker
	store   *memAlertStore
	ledger  *memLedger
	sender  *recordingSender
	client  *cache.MemoryStore
}

func newCheckerFixture(t *testing.T) *checkerFixture {
	t.Helper()
	client := cache.NewMemoryStore(0)
	locker := lock.New(client, lock.Options{JitterMax: 5 * time.Millisecond})
	store := newMemAlertStore()
	ledger := &memLedger{}
	sender := &recordingSender{}
	checker := NewChecker(client, locker, store, ledger, sender, Config{})
	return &checkerFixture{checker: checker, store: store, ledger: ledger, sender: sender, client: client}
}

func (f *checkerFixture) configure(t *testing.T, quota float64) {
	t.Helper()
	err := f.store.SaveAlertConfig(context.Background(), &AlertRecord{
		WorkspaceID: "ws1",
		GatewayID:   "gw1",
		DailyQuota:  quota,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("SaveAlertConfig failed: %v", err)
	}
}

func TestCheckWithoutConfigOnlyAppends(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()

	if err := f.checker.Check(ctx, "ws1", "gw1", 500); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if len(f.sender.all()) != 0 {
		t.Error("Expected no alerts without an alert config")
	}

	total, _ := f.ledger.SumDailyCost(ctx, "ws1", "gw1", DayKey(time.Now()))
	if total != 500 {
		t.Errorf("Expected cost appended to ledger, got total %v", total)
	}
}

func TestCheckDisabledConfigIsSilent(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()

	_ = f.store.SaveAlertConfig(ctx, &AlertRecord{
		WorkspaceID: "ws1", GatewayID: "gw1", DailyQuota: 100, Enabled: false,
	})

	if err := f.checker.Check(ctx, "ws1", "gw1", 500); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(f.sender.all()) != 0 {
		t.Error("Expected no alerts for a disabled config")
	}
}

func TestCheckFiresEachThresholdOnce(t *testing.T) {
	f := newCheckerFixture(t)
	f.configure(t, 100)
	ctx := context.Background()

	// Below the first threshold: silent.
	if err := f.checker.Check(ctx, "ws1", "gw1", 79); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(f.sender.all()) != 0 {
		t.Fatalf("Expected no alert at 79%%, got %v", f.sender.all())
	}

	// Cross 80%.
	if err := f.checker.Check(ctx, "ws1", "gw1", 2); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	sent := f.sender.all()
	if len(sent) != 1 {
		t.Fatalf("Expected exactly one alert at 81%%, got %d", len(sent))
	}
	if !strings.Contains(sent[0].title, "80%") {
		t.Errorf("Expected title to name the threshold, got %q", sent[0].title)
	}

	// Replay in the same band: no duplicate.
	for i := 0; i < 5; i++ {
		if err := f.checker.Check(ctx, "ws1", "gw1", 0.01); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}
	if n := f.sender.sentForLevel("80"); n != 1 {
		t.Errorf("Expected 80%% alert to fire once per day, got %d", n)
	}

	rec, _ := f.store.GetAlertConfig(ctx, "ws1", "gw1")
	if !rec.Level80Sent {
		t.Error("Expected durable sent flag after delivery")
	}
	if rec.LastAlertSentAt == nil {
		t.Error("Expected last-sent timestamp to be recorded")
	}
}

func TestCheckLargeRequestCrossesSeveralThresholds(t *testing.T) {
	f := newCheckerFixture(t)
	f.configure(t, 100)
	ctx := context.Background()

	// 0% -> 200% in a single request fires 80, 100, and 150 together.
	if err := f.checker.Check(ctx, "ws1", "gw1", 200); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	for _, level := range []string{"80", "100", "150"} {
		if n := f.sender.sentForLevel(level); n != 1 {
			t.Errorf("Expected one alert for level %s, got %d", level, n)
		}
	}
}

func TestCheckSendFailureRetriesNextRequest(t *testing.T) {
	f := newCheckerFixture(t)
	f.configure(t, 100)
	ctx := context.Background()

	f.sender.setFailing(true)
	if err := f.checker.Check(ctx, "ws1", "gw1", 90); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	rec, _ := f.store.GetAlertConfig(ctx, "ws1", "gw1")
	if rec.Level80Sent {
		t.Fatal("Expected sent flag to stay unset after delivery failure")
	}

	// Channel recovers; the next qualifying request delivers.
	f.sender.setFailing(false)
	if err := f.checker.Check(ctx, "ws1", "gw1", 1); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if n := f.sender.sentForLevel("80"); n != 1 {
		t.Errorf("Expected one delivery after recovery, got %d", n)
	}
	rec, _ = f.store.GetAlertConfig(ctx, "ws1", "gw1")
	if !rec.Level80Sent {
		t.Error("Expected sent flag after successful retry")
	}
}

func TestConcurrentChecksDeliverOnce(t *testing.T) {
	f := newCheckerFixture(t)
	f.configure(t, 100)
	ctx := context.Background()

	// Seed spend just below the first threshold.
	if err := f.checker.Check(ctx, "ws1", "gw1", 79); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	// A burst of requests all crossing 80% at once.
	const burst = 50
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.checker.Check(ctx, "ws1", "gw1", 2); err != nil {
				t.Errorf("Check failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.sender.sentForLevel("80"); n != 1 {
		t.Errorf("Expected exactly one 80%% alert from the burst, got %d", n)
	}
}

func TestCheckAlertsAgainAfterResetDespiteWarmMirror(t *testing.T) {
	f := newCheckerFixture(t)
	f.configure(t, 100)
	ctx := context.Background()

	// Cross 80% and deliver, then replay so the mirror holds a fresh entry
	// with the sent flag set.
	if err := f.checker.Check(ctx, "ws1", "gw1", 81); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if err := f.checker.Check(ctx, "ws1", "gw1", 0.01); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if n := f.sender.sentForLevel("80"); n != 1 {
		t.Fatalf("Expected one delivery before reset, got %d", n)
	}

	locker := lock.New(f.client, lock.Options{JitterMax: time.Millisecond})
	job := NewResetJob(f.client, locker, f.store)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rec, _ := f.store.GetAlertConfig(ctx, "ws1", "gw1")
	if rec.Level80Sent {
		t.Fatal("Expected durable flag cleared by reset")
	}

	// The next qualifying request is the new day's first crossing; a stale
	// mirror entry must not suppress it.
	if err := f.checker.Check(ctx, "ws1", "gw1", 1); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if n := f.sender.sentForLevel("80"); n != 2 {
		t.Errorf("Expected a fresh delivery after reset, got %d total", n)
	}
}

func TestCheckIncludesDashboardLink(t *testing.T) {
	client := cache.NewMemoryStore(0)
	locker := lock.New(client, lock.Options{JitterMax: time.Millisecond})
	store := newMemAlertStore()
	ledger := &memLedger{}
	sender := &recordingSender{}
	checker := NewChecker(client, locker, store, ledger, sender, Config{
		DashboardURL: "https://tianji.example.com/",
	})
	ctx := context.Background()

	_ = store.SaveAlertConfig(ctx, &AlertRecord{
		WorkspaceID: "ws1", GatewayID: "gw1", DailyQuota: 100, Enabled: true,
	})

	if err := checker.Check(ctx, "ws1", "gw1", 90); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("Expected one alert, got %d", len(sent))
	}

	var link *notification.Token
	for i, tok := range sent[0].content {
		if tok.Type == "url" {
			link = &sent[0].content[i]
		}
	}
	if link == nil {
		t.Fatal("Expected a dashboard link token in the alert content")
	}
	want := "https://tianji.example.com/workspace/ws1/ai-gateway/gw1"
	if link.URL != want {
		t.Errorf("Expected link %q, got %q", want, link.URL)
	}
}

func TestCostCacheKeyFormat(t *testing.T) {
	c := &costCache{}
	key := c.key("ws1", "gw1", "2026-09-01")
	want := "ai-gateway-daily-cost:ws1:gw1:2026-09-01"
	if key != want {
		t.Errorf("Expected key %q, got %q", want, key)
	}
}

func TestCostCacheRecomputesOnCorruptEntry(t *testing.T) {
	f := newCheckerFixture(t)
	ctx := context.Background()
	day := DayKey(time.Now())

	_ = f.ledger.AppendCost(ctx, "ws1", "gw1", 12.5, time.Now())

	cc := &costCache{client: f.client, ttl: time.Minute, ledger: f.ledger}
	_ = f.client.Set(ctx, cc.key("ws1", "gw1", day), "not-a-number", 0)

	total, err := cc.get(ctx, "ws1", "gw1", day)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if total != 12.5 {
		t.Errorf("Expected recomputed total 12.5, got %v", total)
	}
}

func TestDayKeyIsUTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, loc)
	if got := DayKey(at); got != "2026-03-02" {
		t.Errorf("Expected UTC day 2026-03-02, got %s", got)
	}
}
