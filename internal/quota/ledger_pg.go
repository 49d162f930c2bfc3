// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLedger implements Ledger on the primary Postgres database, over
// the same ai_gateway_logs table the replication job reads.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open Postgres handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// AppendCost logs one billed request's cost.
func (l *PostgresLedger) AppendCost(ctx context.Context, workspaceID, gatewayID string, cost float64, at time.Time) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ai_gateway_logs (workspace_id, gateway_id, price, created_at)
		VALUES ($1, $2, $3, $4)
	`, workspaceID, gatewayID, cost, at.UTC())
	if err != nil {
		return fmt.Errorf("append cost: %w", err)
	}
	return nil
}

// SumDailyCost sums costs for the UTC day (YYYY-MM-DD).
func (l *PostgresLedger) SumDailyCost(ctx context.Context, workspaceID, gatewayID, day string) (float64, error) {
	dayStart, err := time.ParseInLocation("2006-01-02", day, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse day %q: %w", day, err)
	}
	dayEnd := dayStart.Add(24 * time.Hour)

	var total sql.NullFloat64
	err = l.db.QueryRowContext(ctx, `
		SELECT SUM(price) FROM ai_gateway_logs
		WHERE workspace_id = $1 AND gateway_id = $2
		  AND created_at >= $3 AND created_at < $4
	`, workspaceID, gatewayID, dayStart, dayEnd).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum daily cost: %w", err)
	}
	return total.Float64, nil
}

// Verify interface implementation at compile time
var _ Ledger = (*PostgresLedger)(nil)
