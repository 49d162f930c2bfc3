// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package lock

import (
	"context"
	"time"

	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
)

// WithLock runs fn while holding the named lock.
//
// When the lock cannot be acquired it returns executed=false with a zero
// value and no error: another instance is already doing the work, which is
// the expected outcome, not a failure. When acquired, fn runs and the lock
// is released on every exit path; fn's error is returned after release.
func WithLock[T any](ctx context.Context, l *Locker, name string, opts *Options, fn func(ctx context.Context) (T, error)) (result T, executed bool, err error) {
	res, err := l.Acquire(ctx, name, opts)
	if err != nil {
		return result, false, err
	}
	if !res.Acquired {
		logging.Debug().Str("lock", name).Msg("Lock busy, skipping work")
		return result, false, nil
	}

	start := time.Now()
	defer func() {
		metrics.LockHoldDuration.Observe(time.Since(start).Seconds())

		// Release with a fresh context so a canceled work context
		// cannot strand the record until TTL expiry.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, rerr := res.Release(releaseCtx); rerr != nil {
			logging.Warn().Err(rerr).Str("lock", name).Msg("Failed to release lock")
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		return result, true, err
	}
	return result, true, nil
}
