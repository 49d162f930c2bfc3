// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
)

// stateTable tracks the per-table replication cursor in the sink.
const stateTable = "_sync_state"

// cursor is the last replicated (timestamp, id) position of a table.
type cursor struct {
	ts time.Time
	id int64
}

// ensureStateTable creates the cursor table in the sink if missing.
func (r *Replicator) ensureStateTable(ctx context.Context) error {
	_, err := r.sink.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			table_name VARCHAR PRIMARY KEY,
			last_ts    TIMESTAMP NOT NULL,
			last_id    BIGINT NOT NULL
		)
	`, stateTable))
	if err != nil {
		return fmt.Errorf("create state table: %w", err)
	}
	return nil
}

// loadCursor reads the cursor for table, zero when the table was never
// synced.
func (r *Replicator) loadCursor(ctx context.Context, table string) (cursor, error) {
	var c cursor
	err := r.sink.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT last_ts, last_id FROM %s WHERE table_name = ?`, stateTable),
		table).Scan(&c.ts, &c.id)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor{}, nil
	}
	if err != nil {
		return cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return c, nil
}

// saveCursor persists the cursor for table.
func (r *Replicator) saveCursor(ctx context.Context, table string, c cursor) error {
	_, err := r.sink.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (table_name, last_ts, last_id)
		VALUES (?, ?, ?)
	`, stateTable), table, c.ts, c.id)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// replicateTable pulls batches past the cursor and pushes them into the
// sink, advancing the cursor after each batch. Returns rows replicated.
func (r *Replicator) replicateTable(ctx context.Context, spec TableSpec) (int, error) {
	if !identRe.MatchString(spec.TimeColumn) || !identRe.MatchString(spec.IDColumn) {
		return 0, fmt.Errorf("invalid cursor columns %q/%q", spec.TimeColumn, spec.IDColumn)
	}

	cur, err := r.loadCursor(ctx, spec.Name)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		n, last, err := r.replicateBatch(ctx, spec, cur)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}

		total += n
		cur = last
		if err := r.saveCursor(ctx, spec.Name, cur); err != nil {
			return total, err
		}
		metrics.SyncRows.WithLabelValues(spec.Name).Add(float64(n))

		if n < r.batchSize {
			break
		}
	}

	if total > 0 {
		logging.Debug().Str("table", spec.Name).Int("rows", total).Msg("Table replicated")
	}
	return total, nil
}

// replicateBatch copies one ordered batch after cur. Returns rows copied
// and the new cursor position.
func (r *Replicator) replicateBatch(ctx context.Context, spec TableSpec, cur cursor) (int, cursor, error) {
	// Tuple comparison on (ts, id) keeps the scan deterministic when
	// many rows share a timestamp.
	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE (%s, %s) > ($1, $2)
		ORDER BY %s, %s
		LIMIT $3
	`, spec.Name, spec.TimeColumn, spec.IDColumn, spec.TimeColumn, spec.IDColumn)

	rows, err := r.source.QueryContext(ctx, query, cur.ts, cur.id, r.batchSize)
	if err != nil {
		return 0, cur, fmt.Errorf("query source: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, cur, fmt.Errorf("source columns: %w", err)
	}
	tsIdx, idIdx := -1, -1
	for i, col := range cols {
		switch col {
		case spec.TimeColumn:
			tsIdx = i
		case spec.IDColumn:
			idIdx = i
		}
	}
	if tsIdx < 0 || idIdx < 0 {
		return 0, cur, fmt.Errorf("table %s is missing cursor columns %s/%s", spec.Name, spec.TimeColumn, spec.IDColumn)
	}

	insert := buildInsert(spec.Name, cols)

	count := 0
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return count, cur, fmt.Errorf("scan source row: %w", err)
		}

		if _, err := r.sink.ExecContext(ctx, insert, values...); err != nil {
			return count, cur, fmt.Errorf("insert sink row: %w", err)
		}

		next, err := cursorFrom(values, tsIdx, idIdx)
		if err != nil {
			return count, cur, err
		}
		cur = next
		count++
	}
	if err := rows.Err(); err != nil {
		return count, cur, fmt.Errorf("iterate source rows: %w", err)
	}
	return count, cur, nil
}

// buildInsert renders an idempotent upsert for the sink, with one ?
// placeholder per column. Re-running a batch after a crash must not
// duplicate rows.
func buildInsert(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)
}

// cursorFrom extracts the cursor position from a scanned row.
func cursorFrom(values []any, tsIdx, idIdx int) (cursor, error) {
	ts, ok := values[tsIdx].(time.Time)
	if !ok {
		return cursor{}, fmt.Errorf("cursor time column has type %T, want time.Time", values[tsIdx])
	}

	var id int64
	switch v := values[idIdx].(type) {
	case int64:
		id = v
	case int32:
		id = int64(v)
	case int:
		id = int64(v)
	default:
		return cursor{}, fmt.Errorf("cursor id column has type %T, want integer", values[idIdx])
	}
	return cursor{ts: ts, id: id}, nil
}
