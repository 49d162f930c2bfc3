// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package config loads layered configuration: built-in defaults, an optional
// YAML file, then TIANJI_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the coordinator.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Cache       CacheConfig       `koanf:"cache"`
	Lock        LockConfig        `koanf:"lock"`
	Quota       QuotaConfig       `koanf:"quota"`
	Replication ReplicationConfig `koanf:"replication"`
}

// ServerConfig configures the ops HTTP server (health, metrics, diagnostics).
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig configures the shared cache backend.
type CacheConfig struct {
	// Backend selects the cache store: "memory" or "badger".
	Backend string `koanf:"backend"`

	// Path is the on-disk location for the badger backend.
	Path string `koanf:"path"`

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration `koanf:"default_ttl"`

	// CleanupInterval is how often the memory backend sweeps expired entries.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// LockConfig configures distributed lock defaults. Per-call Options
// override these.
type LockConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	RetryInterval time.Duration `koanf:"retry_interval"`
	MaxRetries    int           `koanf:"max_retries"`
	Prefix        string        `koanf:"prefix"`
	SkipOnFailure bool          `koanf:"skip_on_failure"`

	// JitterMax bounds the random settle sleep between the candidate write
	// and the verification read. Tune against the cache backend's
	// write-propagation latency.
	JitterMax time.Duration `koanf:"jitter_max"`
}

// QuotaConfig configures the AI gateway quota alert state machine.
type QuotaConfig struct {
	// StorePath is the on-disk location of the durable alert-record store.
	StorePath string `koanf:"store_path"`

	// CostCacheTTL is the TTL of the cached daily cost aggregate.
	CostCacheTTL time.Duration `koanf:"cost_cache_ttl"`

	// MirrorCacheTTL is the TTL of the mirrored alert record.
	MirrorCacheTTL time.Duration `koanf:"mirror_cache_ttl"`

	// WebhookURL is the notification webhook endpoint. Empty disables the
	// webhook sender (alerts are logged only).
	WebhookURL string `koanf:"webhook_url"`

	// WebhookTimeout bounds a single webhook delivery.
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`

	// DashboardURL is the base URL of the analytics dashboard, linked from
	// alert notifications. Empty omits the link.
	DashboardURL string `koanf:"dashboard_url"`

	// ResetSchedule is the cron expression for the daily flag reset job.
	ResetSchedule string `koanf:"reset_schedule"`
}

// ReplicationConfig configures the Postgres to DuckDB sync job.
type ReplicationConfig struct {
	Enabled bool `koanf:"enabled"`

	// SourceDSN is the Postgres connection string (lib/pq format).
	SourceDSN string `koanf:"source_dsn"`

	// SinkPath is the DuckDB database file for the analytics store.
	SinkPath string `koanf:"sink_path"`

	// Schedule is the cron expression for sync runs.
	Schedule string `koanf:"schedule"`

	// LockTimeout is the distributed lock timeout for a sync run. Must be
	// generously larger than the expected run duration; the lock does not
	// renew itself while held.
	LockTimeout time.Duration `koanf:"lock_timeout"`

	BatchSize   int      `koanf:"batch_size"`
	Tables      []string `koanf:"tables"`
	Concurrency int      `koanf:"concurrency"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    12346,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Backend:         "memory",
			Path:            "/data/tianji-cache",
			DefaultTTL:      0, // 0 = no expiry unless the caller sets one
			CleanupInterval: 5 * time.Minute,
		},
		Lock: LockConfig{
			Timeout:       30 * time.Second,
			RetryInterval: 100 * time.Millisecond,
			MaxRetries:    30,
			Prefix:        "tianji-lock",
			SkipOnFailure: true,
			JitterMax:     100 * time.Millisecond,
		},
		Quota: QuotaConfig{
			StorePath:      "/data/tianji-quota",
			CostCacheTTL:   5 * time.Minute,
			MirrorCacheTTL: 1 * time.Minute,
			WebhookURL:     "",
			WebhookTimeout: 10 * time.Second,
			DashboardURL:   "",
			ResetSchedule:  "5 0 * * *",
		},
		Replication: ReplicationConfig{
			Enabled:     false,
			SourceDSN:   "",
			SinkPath:    "/data/tianji-analytics.duckdb",
			Schedule:    "*/5 * * * *",
			LockTimeout: 1 * time.Hour,
			BatchSize:   1000,
			Tables:      []string{"website_event", "website_session", "ai_gateway_logs"},
			Concurrency: 2,
		},
	}
}

// Validate checks configuration invariants that koanf cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("cache.backend must be memory or badger, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "badger" && c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required for the badger backend")
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive, got %s", c.Lock.Timeout)
	}
	if c.Lock.MaxRetries < 1 {
		return fmt.Errorf("lock.max_retries must be at least 1, got %d", c.Lock.MaxRetries)
	}
	if c.Lock.Prefix == "" {
		return fmt.Errorf("lock.prefix must not be empty")
	}
	if c.Replication.Enabled {
		if c.Replication.SourceDSN == "" {
			return fmt.Errorf("replication.source_dsn is required when replication is enabled")
		}
		if c.Replication.BatchSize < 1 {
			return fmt.Errorf("replication.batch_size must be at least 1, got %d", c.Replication.BatchSize)
		}
		if c.Replication.Concurrency < 1 {
			return fmt.Errorf("replication.concurrency must be at least 1, got %d", c.Replication.Concurrency)
		}
	}
	return nil
}
