// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package replication implements the cron-driven Postgres to DuckDB sync
// job. Each run replicates configured tables incrementally, tracking a
// (timestamp, id) cursor per table in the sink.
//
// Exclusivity across the fleet comes from the distributed lock; a local
// in-process flag short-circuits re-entry on the same instance before any
// cache round-trip. The local flag is an optimization only — the lock is
// the correctness guarantee.
package replication

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msgbyte/tianji-coord/internal/config"
	"github.com/msgbyte/tianji-coord/internal/lock"
	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
)

// SyncLockName is the distributed lock guarding sync runs fleet-wide.
const SyncLockName = "tianji-clickhouse-sync"

// identRe validates table and column identifiers before they are embedded
// in SQL. Identifiers come from config, not user input, but dynamic SQL
// never ships unvalidated names.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// TableSpec describes one replicated table.
type TableSpec struct {
	Name string

	// TimeColumn and IDColumn form the replication cursor, ordered by
	// (TimeColumn, IDColumn). Defaults: created_at, id.
	TimeColumn string
	IDColumn   string
}

// Replicator copies rows from Postgres into the DuckDB analytics store.
type Replicator struct {
	source *sql.DB
	sink   *sql.DB
	locker *lock.Locker

	tables      []TableSpec
	batchSize   int
	concurrency int
	lockTimeout time.Duration

	syncing  atomic.Bool
	lastSync atomic.Int64 // unix ms of last completed run
}

// New builds a Replicator from config. Table names are validated here so a
// bad identifier fails startup, not the first run.
func New(source, sink *sql.DB, locker *lock.Locker, cfg config.ReplicationConfig) (*Replicator, error) {
	tables := make([]TableSpec, 0, len(cfg.Tables))
	for _, name := range cfg.Tables {
		if !identRe.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
		tables = append(tables, TableSpec{Name: name, TimeColumn: "created_at", IDColumn: "id"})
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 1
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}

	return &Replicator{
		source:      source,
		sink:        sink,
		locker:      locker,
		tables:      tables,
		batchSize:   batch,
		concurrency: conc,
		lockTimeout: timeout,
	}, nil
}

// LastSyncTime returns when the last run completed, zero if never.
func (r *Replicator) LastSyncTime() time.Time {
	ms := r.lastSync.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RunOnce executes one sync run. It returns nil without doing work when
// this instance is already syncing or another instance holds the sync
// lock — both are expected outcomes under a fleet-wide schedule.
func (r *Replicator) RunOnce(ctx context.Context) error {
	if !r.syncing.CompareAndSwap(false, true) {
		logging.Debug().Msg("Sync already in flight on this instance, skipping")
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		return nil
	}
	defer r.syncing.Store(false)

	start := time.Now()
	opts := &lock.Options{Timeout: r.lockTimeout}

	rows, executed, err := lock.WithLock(ctx, r.locker, SyncLockName, opts, r.syncAll)
	if err != nil {
		metrics.SyncRuns.WithLabelValues("failed").Inc()
		logging.Error().Err(err).Msg("Sync run failed")
		return err
	}
	if !executed {
		metrics.SyncRuns.WithLabelValues("skipped").Inc()
		logging.Debug().Msg("Sync lock held by another instance, skipping")
		return nil
	}

	elapsed := time.Since(start)
	metrics.SyncRuns.WithLabelValues("completed").Inc()
	metrics.SyncDuration.Observe(elapsed.Seconds())
	r.lastSync.Store(time.Now().UnixMilli())
	logging.Info().Int("rows", rows).Dur("elapsed", elapsed).Msg("Sync run completed")
	return nil
}

// syncAll replicates every configured table, a few at a time.
func (r *Replicator) syncAll(ctx context.Context) (int, error) {
	if err := r.ensureStateTable(ctx); err != nil {
		return 0, err
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, spec := range r.tables {
		g.Go(func() error {
			n, err := r.replicateTable(gctx, spec)
			if err != nil {
				return fmt.Errorf("replicate %s: %w", spec.Name, err)
			}
			total.Add(int64(n))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}
