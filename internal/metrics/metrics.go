// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the coordination layer:
// - Distributed lock outcomes and contention
// - Query cache efficiency
// - Quota alert deliveries
// - Replication sync runs

var (
	// Distributed Lock Metrics
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquisitions_total",
			Help: "Total lock acquisition attempts by outcome",
		},
		[]string{"outcome"}, // "acquired", "contended", "error"
	)

	LockExpiredReclaims = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_expired_reclaims_total",
			Help: "Total stale lock records reclaimed by age check",
		},
	)

	LockReleaseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_release_failures_total",
			Help: "Total release calls that found the lock owned by another holder",
		},
	)

	LockHoldDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lock_hold_duration_seconds",
			Help:    "Duration locks were held before release",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query Cache Metrics
	QueryCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_hits_total",
			Help: "Total query cache hits",
		},
		[]string{"query"},
	)

	QueryCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_misses_total",
			Help: "Total query cache misses",
		},
		[]string{"query"},
	)

	QueryCacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_errors_total",
			Help: "Total cache backend errors observed by the query cache (fail-open)",
		},
		[]string{"query"},
	)

	// Quota Alert Metrics
	QuotaAlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_alerts_sent_total",
			Help: "Total quota alert notifications delivered",
		},
		[]string{"level"}, // "80", "100", "150"
	)

	QuotaAlertSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_alert_send_failures_total",
			Help: "Total quota alert delivery failures",
		},
		[]string{"level"},
	)

	QuotaAlertsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_alerts_skipped_total",
			Help: "Total quota alerts skipped because another instance held the lock",
		},
	)

	// Replication Sync Metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total replication sync runs by outcome",
		},
		[]string{"outcome"}, // "completed", "skipped", "failed"
	)

	SyncRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_rows_total",
			Help: "Total rows replicated to the analytics store",
		},
		[]string{"table"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of replication sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	// Notification Metrics
	NotificationBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_breaker_state",
			Help: "Notification circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
