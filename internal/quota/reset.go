// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package quota

import (
	"context"
	"time"

	"github.com/msgbyte/tianji-coord/internal/cache"
	"github.com/msgbyte/tianji-coord/internal/lock"
	"github.com/msgbyte/tianji-coord/internal/logging"
)

// resetLockName guards the daily reset so one instance performs it.
const resetLockName = "quota-alert-daily-reset"

// ResetJob clears all sent flags at the UTC day boundary and drops the
// previous day's cached cost aggregates. Scheduled shortly after midnight
// UTC (default "5 0 * * *").
type ResetJob struct {
	client cache.Client
	locker *lock.Locker
	store  Store
	mirror *cache.Cached[*AlertRecord]
}

// NewResetJob wires a reset job.
func NewResetJob(client cache.Client, locker *lock.Locker, store Store) *ResetJob {
	return &ResetJob{
		client: client,
		locker: locker,
		store:  store,
		mirror: newMirrorCache(client, 0, store),
	}
}

// Run resets flags for every alert record. Skips silently when another
// instance holds the reset lock.
func (j *ResetJob) Run(ctx context.Context) error {
	opts := &lock.Options{Timeout: 5 * time.Minute}

	count, executed, err := lock.WithLock(ctx, j.locker, resetLockName, opts, j.reset)
	if err != nil {
		return err
	}
	if !executed {
		logging.Debug().Msg("Quota reset already running on another instance")
		return nil
	}

	logging.Info().Int("records", count).Msg("Quota alert flags reset for new day")
	return nil
}

func (j *ResetJob) reset(ctx context.Context) (int, error) {
	records, err := j.store.ListAlertConfigs(ctx)
	if err != nil {
		return 0, err
	}

	yesterday := DayKey(time.Now().UTC().AddDate(0, 0, -1))
	costs := &costCache{client: j.client}

	count := 0
	for _, rec := range records {
		rec.ResetFlags()
		if err := j.store.SaveAlertConfig(ctx, rec); err != nil {
			return count, err
		}
		// A warmed mirror entry would keep reporting yesterday's sent
		// flags until its TTL, suppressing the first alert of the new day.
		if err := j.mirror.Del(ctx, rec.WorkspaceID, rec.GatewayID); err != nil {
			logging.Warn().Err(err).
				Str("workspace", rec.WorkspaceID).Str("gateway", rec.GatewayID).
				Msg("Mirror cache invalidation failed")
		}
		// Best-effort: the cost TTL would clear these anyway.
		costs.del(ctx, rec.WorkspaceID, rec.GatewayID, yesterday)
		count++
	}
	return count, nil
}
