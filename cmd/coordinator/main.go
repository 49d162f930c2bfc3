// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Command coordinator runs the distributed coordination layer: the shared
// cache, the distributed lock, the quota alert checker, and the scheduled
// Postgres to DuckDB replication job, behind a small ops HTTP server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/lib/pq"
	"github.com/thejerf/suture/v4"

	"github.com/msgbyte/tianji-coord/internal/cache"
	"github.com/msgbyte/tianji-coord/internal/config"
	"github.com/msgbyte/tianji-coord/internal/lock"
	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/notification"
	"github.com/msgbyte/tianji-coord/internal/quota"
	"github.com/msgbyte/tianji-coord/internal/replication"
	"github.com/msgbyte/tianji-coord/internal/scheduler"
	"github.com/msgbyte/tianji-coord/internal/server"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Coordinator exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Msg("Tianji coordinator starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shared cache: the coordination medium everything else builds on.
	cacheManager := cache.NewManager(cfg.Cache)
	cache.SetDefault(cacheManager)
	client, err := cache.Get(ctx)
	if err != nil {
		return fmt.Errorf("cache client: %w", err)
	}
	defer cacheManager.Close()

	locker := lock.New(client, lock.Options{
		Timeout:       cfg.Lock.Timeout,
		RetryInterval: cfg.Lock.RetryInterval,
		MaxRetries:    cfg.Lock.MaxRetries,
		Prefix:        cfg.Lock.Prefix,
		Retry:         !cfg.Lock.SkipOnFailure,
		JitterMax:     cfg.Lock.JitterMax,
	})

	sched := scheduler.New()

	// Replication source doubles as the quota ledger: both read the
	// primary Postgres database.
	var sourceDB *sql.DB
	if cfg.Replication.SourceDSN != "" {
		sourceDB, err = sql.Open("postgres", cfg.Replication.SourceDSN)
		if err != nil {
			return fmt.Errorf("open source database: %w", err)
		}
		defer sourceDB.Close()
	}

	checker, err := buildQuotaChecker(cfg, client, locker, sourceDB, sched)
	if err != nil {
		return err
	}

	if cfg.Replication.Enabled {
		if err := buildReplication(cfg, locker, sourceDB, sched); err != nil {
			return err
		}
	}

	sup := suture.New("tianji-coord", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn().Str("event", e.String()).Msg("Supervisor event")
		},
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	sup.Add(server.New(cfg.Server, locker, checker))
	sup.Add(sched)

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("Tianji coordinator stopped")
	return nil
}

// buildQuotaChecker wires the alert state machine when a ledger database is
// available, and schedules the daily flag reset.
func buildQuotaChecker(cfg *config.Config, client cache.Client, locker *lock.Locker, sourceDB *sql.DB, sched *scheduler.Scheduler) (*quota.Checker, error) {
	if sourceDB == nil {
		logging.Info().Msg("No source database configured, quota checking disabled")
		return nil, nil
	}

	opts := badger.DefaultOptions(cfg.Quota.StorePath)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}

	store := quota.NewBadgerStore(db)
	ledger := quota.NewPostgresLedger(sourceDB)

	var sender notification.Sender
	if cfg.Quota.WebhookURL != "" {
		sender = notification.NewWebhookSender(cfg.Quota.WebhookURL, cfg.Quota.WebhookTimeout)
	} else {
		sender = notification.NewLogSender()
	}

	checker := quota.NewChecker(client, locker, store, ledger, sender, quota.Config{
		CostCacheTTL:   cfg.Quota.CostCacheTTL,
		MirrorCacheTTL: cfg.Quota.MirrorCacheTTL,
		DashboardURL:   cfg.Quota.DashboardURL,
	})

	reset := quota.NewResetJob(client, locker, store)
	sched.Add(scheduler.Job{
		Name:     "quota-daily-reset",
		Schedule: cfg.Quota.ResetSchedule,
		Run:      reset.Run,
	})

	return checker, nil
}

// buildReplication wires the sync job and its schedule.
func buildReplication(cfg *config.Config, locker *lock.Locker, sourceDB *sql.DB, sched *scheduler.Scheduler) error {
	sinkDB, err := sql.Open("duckdb", cfg.Replication.SinkPath)
	if err != nil {
		return fmt.Errorf("open sink database: %w", err)
	}

	repl, err := replication.New(sourceDB, sinkDB, locker, cfg.Replication)
	if err != nil {
		return fmt.Errorf("build replicator: %w", err)
	}

	sched.Add(scheduler.Job{
		Name:     "analytics-sync",
		Schedule: cfg.Replication.Schedule,
		Run:      repl.RunOnce,
	})
	return nil
}
