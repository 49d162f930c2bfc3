// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package quota implements the AI gateway daily-spend alert state machine:
// cost aggregation through the cached-query wrapper, threshold evaluation,
// and at-most-once alert delivery per threshold per day guarded by the
// distributed lock.
package quota

import (
	"context"
	"time"

	"github.com/msgbyte/tianji-coord/internal/notification"
)

// Thresholds are the alert levels in percent of the daily quota, evaluated
// in ascending order. Each fires independently, at most once per UTC day.
var Thresholds = []int{80, 100, 150}

// AlertRecord is the durable per-(workspace, gateway) alert configuration
// and delivery state. Sent flags are reset at the UTC day boundary by the
// reset job.
type AlertRecord struct {
	WorkspaceID string  `json:"workspaceId"`
	GatewayID   string  `json:"gatewayId"`
	DailyQuota  float64 `json:"dailyQuota"`
	Enabled     bool    `json:"enabled"`

	Level80Sent  bool `json:"alertLevel80Sent"`
	Level100Sent bool `json:"alertLevel100Sent"`
	Level150Sent bool `json:"alertLevel150Sent"`

	LastAlertSentAt *time.Time          `json:"lastAlertSentAt,omitempty"`
	Target          notification.Target `json:"target"`
}

// Sent reports whether the alert for level has been delivered today.
func (r *AlertRecord) Sent(level int) bool {
	switch level {
	case 80:
		return r.Level80Sent
	case 100:
		return r.Level100Sent
	case 150:
		return r.Level150Sent
	}
	return false
}

// MarkSent records a successful delivery for level at the given time.
func (r *AlertRecord) MarkSent(level int, at time.Time) {
	switch level {
	case 80:
		r.Level80Sent = true
	case 100:
		r.Level100Sent = true
	case 150:
		r.Level150Sent = true
	}
	r.LastAlertSentAt = &at
}

// ResetFlags clears all sent flags.
func (r *AlertRecord) ResetFlags() {
	r.Level80Sent = false
	r.Level100Sent = false
	r.Level150Sent = false
}

// Store is the durable home of alert records.
type Store interface {
	// GetAlertConfig returns the record for (workspace, gateway), or nil
	// when none is configured.
	GetAlertConfig(ctx context.Context, workspaceID, gatewayID string) (*AlertRecord, error)

	// SaveAlertConfig upserts a record.
	SaveAlertConfig(ctx context.Context, rec *AlertRecord) error

	// ListAlertConfigs returns all records.
	ListAlertConfigs(ctx context.Context) ([]*AlertRecord, error)
}

// Ledger is the append-only billed-request cost log. It is the
// authoritative source of daily totals; the cost cache is only a mirror.
type Ledger interface {
	// AppendCost logs one billed request's cost.
	AppendCost(ctx context.Context, workspaceID, gatewayID string, cost float64, at time.Time) error

	// SumDailyCost sums costs for the UTC day (YYYY-MM-DD).
	SumDailyCost(ctx context.Context, workspaceID, gatewayID, day string) (float64, error)
}

// DayKey formats t's UTC date the way cost cache keys and ledger queries
// expect.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
