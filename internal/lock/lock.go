// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package lock implements named mutual-exclusion locks across a fleet of
// instances, using the shared cache as the only coordination medium.
//
// The protocol is a best-effort approximation of mutual exclusion built on a
// plain get/set/delete contract with TTL — no compare-and-swap primitive is
// assumed. Acquisition writes a candidate record, sleeps a short random
// jitter so a concurrent competing write can settle, then re-reads and
// verifies its own id won. This narrows the race window but does not
// eliminate it: two acquirers can both observe their own write if the
// backend serializes writes so that each read-back sees the reader's latest
// write. Callers that need a strict guarantee must use a backend with an
// atomic conditional write. Known limitation, kept for portability.
//
// Locks self-expire: a record older than its timeout is reclaimable by any
// caller. The lock does not renew itself while held, so choose Timeout
// generously larger than the expected work duration.
package lock

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/msgbyte/tianji-coord/internal/cache"
	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
)

// DefaultPrefix namespaces lock keys in the shared cache.
const DefaultPrefix = "tianji-lock"

// Record is the cache-stored value representing current lock ownership.
type Record struct {
	// ID identifies this specific acquisition, not the process. Only the
	// holder of the matching ID may delete the record.
	ID string `json:"id"`

	// AcquiredAt is the holder's acquisition time in ms since epoch. Age
	// against it is the authoritative expiry check; the cache TTL is only
	// a backstop, since not all backends honor TTL precisely.
	AcquiredAt int64 `json:"acquiredAt"`

	// AcquiredBy is the acquiring process id. Informational only.
	AcquiredBy int `json:"acquiredBy"`
}

// Options configures a single acquisition. Zero fields fall back to the
// Locker's defaults.
type Options struct {
	// Timeout is the max age before a held lock is considered stale.
	Timeout time.Duration

	// RetryInterval is the delay between acquisition attempts when Retry
	// is set.
	RetryInterval time.Duration

	// MaxRetries bounds acquisition attempts when Retry is set.
	MaxRetries int

	// Prefix is the cache key namespace.
	Prefix string

	// Retry makes contention sleep RetryInterval and try again, up to
	// MaxRetries attempts. When false (the default) a single failed
	// attempt aborts immediately — the expected mode for "someone else is
	// already doing this work" jobs.
	Retry bool

	// JitterMax bounds the random settle sleep between the candidate
	// write and the verification read.
	JitterMax time.Duration
}

// Result reports an acquisition attempt.
type Result struct {
	Acquired bool
	LockID   string

	// Release is bound to this acquisition's LockID, so calling it cannot
	// release a lock re-acquired by someone else after expiry. Nil when
	// not acquired.
	Release func(ctx context.Context) (bool, error)
}

// Info is the diagnostic view of a lock record.
type Info struct {
	ID         string        `json:"id"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	AcquiredBy int           `json:"acquiredBy"`
	Age        time.Duration `json:"age"`
}

// Locker acquires and releases named locks against a cache client.
type Locker struct {
	client   cache.Client
	defaults Options
}

// New creates a Locker. Zero fields in defaults get built-in values
// (30s timeout, 100ms retry interval, 30 retries, "tianji-lock" prefix,
// 100ms jitter max).
func New(client cache.Client, defaults Options) *Locker {
	if defaults.Timeout <= 0 {
		defaults.Timeout = 30 * time.Second
	}
	if defaults.RetryInterval <= 0 {
		defaults.RetryInterval = 100 * time.Millisecond
	}
	if defaults.MaxRetries <= 0 {
		defaults.MaxRetries = 30
	}
	if defaults.Prefix == "" {
		defaults.Prefix = DefaultPrefix
	}
	if defaults.JitterMax <= 0 {
		defaults.JitterMax = 100 * time.Millisecond
	}
	return &Locker{client: client, defaults: defaults}
}

// withDefaults merges per-call options over the locker defaults.
func (l *Locker) withDefaults(opts *Options) Options {
	o := l.defaults
	if opts == nil {
		return o
	}
	if opts.Timeout > 0 {
		o.Timeout = opts.Timeout
	}
	if opts.RetryInterval > 0 {
		o.RetryInterval = opts.RetryInterval
	}
	if opts.MaxRetries > 0 {
		o.MaxRetries = opts.MaxRetries
	}
	if opts.Prefix != "" {
		o.Prefix = opts.Prefix
	}
	if opts.JitterMax > 0 {
		o.JitterMax = opts.JitterMax
	}
	o.Retry = opts.Retry
	return o
}

// Acquire attempts to take the named lock.
//
// A held-and-fresh record, a lost verification, or a cache backend error
// all count as one failed attempt. Without Retry the first failed attempt
// returns Acquired=false; with Retry the locker sleeps RetryInterval
// between attempts, up to MaxRetries. The only returned error is context
// cancellation.
func (l *Locker) Acquire(ctx context.Context, name string, opts *Options) (Result, error) {
	o := l.withDefaults(opts)
	key := o.Prefix + ":" + name
	lockID := uuid.NewString()

	attempts := o.MaxRetries
	if !o.Retry {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(o.RetryInterval):
			}
		}

		ok, err := l.tryAcquire(ctx, key, lockID, o)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			logging.Debug().Err(err).Str("lock", name).Int("attempt", attempt+1).
				Msg("Lock attempt failed on cache error")
			continue
		}
		if !ok {
			metrics.LockAcquisitions.WithLabelValues("contended").Inc()
			continue
		}

		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		logging.Debug().Str("lock", name).Str("lock_id", lockID).Msg("Lock acquired")
		return Result{
			Acquired: true,
			LockID:   lockID,
			Release: func(ctx context.Context) (bool, error) {
				return l.release(ctx, key, name, lockID)
			},
		}, nil
	}

	return Result{Acquired: false}, nil
}

// tryAcquire runs one acquisition attempt against key.
func (l *Locker) tryAcquire(ctx context.Context, key, lockID string, o Options) (bool, error) {
	for {
		raw, exists, err := l.client.Get(ctx, key)
		if err != nil {
			return false, err
		}

		if exists {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return false, err
			}

			age := nowMillis() - rec.AcquiredAt
			if age > o.Timeout.Milliseconds() {
				// Stale holder. Reclaim and retry in the same
				// iteration, no sleep.
				if err := l.client.Delete(ctx, key); err != nil {
					return false, err
				}
				metrics.LockExpiredReclaims.Inc()
				logging.Debug().Str("key", key).Int64("age_ms", age).
					Msg("Reclaimed expired lock record")
				continue
			}
			return false, nil
		}

		candidate := Record{
			ID:         lockID,
			AcquiredAt: nowMillis(),
			AcquiredBy: os.Getpid(),
		}
		data, err := json.Marshal(candidate)
		if err != nil {
			return false, err
		}
		if err := l.client.Set(ctx, key, string(data), o.Timeout); err != nil {
			return false, err
		}

		// Let a concurrent competing write settle before verifying.
		if err := sleepJitter(ctx, o.JitterMax); err != nil {
			return false, err
		}

		raw, exists, err = l.client.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if !exists {
			// Someone reclaimed our record already; count as lost.
			return false, nil
		}
		var verify Record
		if err := json.Unmarshal([]byte(raw), &verify); err != nil {
			return false, err
		}
		return verify.ID == lockID, nil
	}
}

// Release deletes the named lock record if lockID still owns it. It returns
// true when the record was deleted or no record existed (idempotent
// release), false when a different holder owns the lock now — a benign
// outcome of TTL expiry races, logged rather than raised.
func (l *Locker) Release(ctx context.Context, name, lockID string, opts *Options) (bool, error) {
	o := l.withDefaults(opts)
	return l.release(ctx, o.Prefix+":"+name, name, lockID)
}

func (l *Locker) release(ctx context.Context, key, name, lockID string) (bool, error) {
	raw, exists, err := l.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, err
	}
	if rec.ID != lockID {
		metrics.LockReleaseFailures.Inc()
		logging.Warn().Str("lock", name).Str("lock_id", lockID).Str("holder_id", rec.ID).
			Msg("Skipping release of lock held by another acquirer")
		return false, nil
	}

	if err := l.client.Delete(ctx, key); err != nil {
		return false, err
	}
	logging.Debug().Str("lock", name).Str("lock_id", lockID).Msg("Lock released")
	return true, nil
}

// IsLocked reports whether the named lock is held and fresh. A stale record
// found along the way is cleaned up.
func (l *Locker) IsLocked(ctx context.Context, name string, opts *Options) (bool, error) {
	o := l.withDefaults(opts)
	key := o.Prefix + ":" + name

	raw, exists, err := l.client.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, err
	}

	if nowMillis()-rec.AcquiredAt > o.Timeout.Milliseconds() {
		if err := l.client.Delete(ctx, key); err != nil {
			return false, err
		}
		metrics.LockExpiredReclaims.Inc()
		return false, nil
	}
	return true, nil
}

// Info returns the current lock record with its age, or nil when no record
// exists. Read-only; expired records are reported, not cleaned up.
func (l *Locker) Info(ctx context.Context, name string, opts *Options) (*Info, error) {
	o := l.withDefaults(opts)
	key := o.Prefix + ":" + name

	raw, exists, err := l.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}

	acquiredAt := time.UnixMilli(rec.AcquiredAt)
	return &Info{
		ID:         rec.ID,
		AcquiredAt: acquiredAt,
		AcquiredBy: rec.AcquiredBy,
		Age:        time.Since(acquiredAt),
	}, nil
}

// nowMillis returns the current time in ms since epoch, the unit all lock
// timestamps use.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// sleepJitter sleeps a uniform random duration in [0, max), honoring ctx.
func sleepJitter(ctx context.Context, max time.Duration) error {
	if max <= 0 {
		return nil
	}
	d := time.Duration(rand.Int63n(int64(max)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
