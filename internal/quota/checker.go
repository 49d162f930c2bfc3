// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/msgbyte/tianji-coord/internal/cache"
	"github.com/msgbyte/tianji-coord/internal/lock"
	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/metrics"
	"github.com/msgbyte/tianji-coord/internal/notification"
)

// costCacheName keys the daily cost aggregate; the derived cache key is
// ai-gateway-daily-cost:{workspace}:{gateway}:{YYYY-MM-DD}.
const costCacheName = "ai-gateway-daily-cost"

// mirrorCacheName keys the mirrored alert records. The checker and the reset
// job must agree on it: both mutate the durable record and both invalidate
// the mirror afterwards.
const mirrorCacheName = "quota-alert-config"

// alertLockTimeout bounds how long a threshold's send-and-mark sequence may
// shut out concurrent senders.
const alertLockTimeout = 30 * time.Second

// newMirrorCache builds the alert-record mirror over the durable store.
func newMirrorCache(client cache.Client, ttl time.Duration, store Store) *cache.Cached[*AlertRecord] {
	return cache.NewCached(client, mirrorCacheName, ttl,
		func(ctx context.Context, args ...string) (*AlertRecord, error) {
			return store.GetAlertConfig(ctx, args[0], args[1])
		})
}

// Config tunes the checker's cache TTLs.
type Config struct {
	// CostCacheTTL is the TTL of the cached daily cost aggregate.
	CostCacheTTL time.Duration

	// MirrorCacheTTL is the TTL of the mirrored alert record.
	MirrorCacheTTL time.Duration

	// DashboardURL is the base URL of the analytics dashboard, linked from
	// alert notifications. Empty omits the link.
	DashboardURL string
}

// Checker advances the per-(workspace, gateway, day) alert state machine on
// every billed request.
//
// Conceptually the state is the set of fired thresholds for the day; each
// threshold fires independently and exactly once. Delivery runs under a
// per-threshold distributed lock so a burst of requests crossing the same
// boundary produces one notification, not a flood.
type Checker struct {
	locker       *lock.Locker
	store        Store
	ledger       Ledger
	sender       notification.Sender
	dashboardURL string

	costCache *costCache
	mirror    *cache.Cached[*AlertRecord]
}

// costCache caches the daily cost total under the documented key format.
// The wrapper's derived keys hash their arguments; cost keys are part of
// the external cache contract, so this small shim builds them verbatim.
type costCache struct {
	client cache.Client
	ttl    time.Duration
	ledger Ledger
}

func (c *costCache) key(workspaceID, gatewayID, day string) string {
	return fmt.Sprintf("%s:%s:%s:%s", costCacheName, workspaceID, gatewayID, day)
}

// get returns the cached total, recomputing from the ledger on miss or
// backend error (fail-open).
func (c *costCache) get(ctx context.Context, workspaceID, gatewayID, day string) (float64, error) {
	key := c.key(workspaceID, gatewayID, day)

	raw, ok, err := c.client.Get(ctx, key)
	if err != nil {
		metrics.QueryCacheErrors.WithLabelValues(costCacheName).Inc()
		logging.Warn().Err(err).Str("key", key).Msg("Cost cache read failed, recomputing")
	} else if ok {
		if total, perr := strconv.ParseFloat(raw, 64); perr == nil {
			metrics.QueryCacheHits.WithLabelValues(costCacheName).Inc()
			return total, nil
		}
	}

	metrics.QueryCacheMisses.WithLabelValues(costCacheName).Inc()
	total, err := c.ledger.SumDailyCost(ctx, workspaceID, gatewayID, day)
	if err != nil {
		return 0, err
	}
	c.set(ctx, workspaceID, gatewayID, day, total)
	return total, nil
}

// set overwrites the cached total, best-effort.
func (c *costCache) set(ctx context.Context, workspaceID, gatewayID, day string, total float64) {
	key := c.key(workspaceID, gatewayID, day)
	if err := c.client.Set(ctx, key, strconv.FormatFloat(total, 'f', -1, 64), c.ttl); err != nil {
		metrics.QueryCacheErrors.WithLabelValues(costCacheName).Inc()
		logging.Warn().Err(err).Str("key", key).Msg("Cost cache write failed")
	}
}

// del drops the cached total, best-effort.
func (c *costCache) del(ctx context.Context, workspaceID, gatewayID, day string) {
	if err := c.client.Delete(ctx, c.key(workspaceID, gatewayID, day)); err != nil {
		logging.Warn().Err(err).Msg("Cost cache delete failed")
	}
}

// NewChecker wires the state machine. Zero TTLs default to 5 minutes for
// the cost cache and 1 minute for the record mirror.
func NewChecker(client cache.Client, locker *lock.Locker, store Store, ledger Ledger, sender notification.Sender, cfg Config) *Checker {
	if cfg.CostCacheTTL <= 0 {
		cfg.CostCacheTTL = 5 * time.Minute
	}
	if cfg.MirrorCacheTTL <= 0 {
		cfg.MirrorCacheTTL = time.Minute
	}

	return &Checker{
		locker:       locker,
		store:        store,
		ledger:       ledger,
		sender:       sender,
		dashboardURL: strings.TrimSuffix(cfg.DashboardURL, "/"),
		costCache: &costCache{
			client: client,
			ttl:    cfg.CostCacheTTL,
			ledger: ledger,
		},
		mirror: newMirrorCache(client, cfg.MirrorCacheTTL, store),
	}
}

// Check records one billed request's cost and fires any newly crossed,
// not-yet-sent thresholds. A single large request can cross several
// boundaries at once; each fires sequentially under its own lock.
//
// Notification failures and lock contention never fail the check; only
// ledger errors propagate.
func (c *Checker) Check(ctx context.Context, workspaceID, gatewayID string, cost float64) error {
	now := time.Now()
	day := DayKey(now)

	// Read the running total before appending so the optimistic update
	// below cannot double-count this request.
	total, err := c.costCache.get(ctx, workspaceID, gatewayID, day)
	if err != nil {
		return fmt.Errorf("aggregate daily cost: %w", err)
	}

	if err := c.ledger.AppendCost(ctx, workspaceID, gatewayID, cost, now); err != nil {
		return fmt.Errorf("append cost: %w", err)
	}

	total += cost
	c.costCache.set(ctx, workspaceID, gatewayID, day, total)

	rec, err := c.mirror.Get(ctx, workspaceID, gatewayID)
	if err != nil {
		return fmt.Errorf("load alert config: %w", err)
	}
	if rec == nil || !rec.Enabled || rec.DailyQuota <= 0 {
		return nil
	}

	percentage := total / rec.DailyQuota * 100

	for _, level := range Thresholds {
		if percentage >= float64(level) && !rec.Sent(level) {
			c.fireAlert(ctx, workspaceID, gatewayID, level, total, percentage)
		}
	}
	return nil
}

// fireAlert delivers one threshold's notification under its distributed
// lock and persists the sent flag. Failing to take the lock means another
// instance is already sending this alert; that is normal, not an error.
func (c *Checker) fireAlert(ctx context.Context, workspaceID, gatewayID string, level int, total, percentage float64) {
	lockName := fmt.Sprintf("quota-alert-notification:%s:%s:%d", workspaceID, gatewayID, level)
	opts := &lock.Options{Timeout: alertLockTimeout}

	_, executed, err := lock.WithLock(ctx, c.locker, lockName, opts,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.sendAndMark(ctx, workspaceID, gatewayID, level, total, percentage)
		})
	if err != nil {
		logging.Error().Err(err).
			Str("workspace", workspaceID).Str("gateway", gatewayID).Int("level", level).
			Msg("Quota alert delivery failed")
		return
	}
	if !executed {
		metrics.QuotaAlertsSkipped.Inc()
		logging.Debug().
			Str("workspace", workspaceID).Str("gateway", gatewayID).Int("level", level).
			Msg("Quota alert already being sent by another instance")
	}
}

// sendAndMark runs inside the per-threshold lock: re-check the durable
// flag, send, persist, refresh the mirror.
func (c *Checker) sendAndMark(ctx context.Context, workspaceID, gatewayID string, level int, total, percentage float64) error {
	// Re-read the durable record inside the lock; a concurrent sender may
	// have finished between our cached read and the acquisition.
	rec, err := c.store.GetAlertConfig(ctx, workspaceID, gatewayID)
	if err != nil {
		return fmt.Errorf("reload alert config: %w", err)
	}
	if rec == nil || rec.Sent(level) {
		return nil
	}

	levelLabel := strconv.Itoa(level)
	title := fmt.Sprintf("AI gateway spend reached %d%% of daily quota", level)
	content := []notification.Token{
		notification.Strong(fmt.Sprintf("Workspace %s / gateway %s", workspaceID, gatewayID)),
		notification.Newline(),
		notification.Text(fmt.Sprintf("Today's spend is $%.2f (%.1f%% of the $%.2f daily quota).", total, percentage, rec.DailyQuota)),
	}
	if c.dashboardURL != "" {
		content = append(content,
			notification.Newline(),
			notification.URL("View gateway usage",
				fmt.Sprintf("%s/workspace/%s/ai-gateway/%s", c.dashboardURL, workspaceID, gatewayID)))
	}
	meta := map[string]string{
		"workspaceId": workspaceID,
		"gatewayId":   gatewayID,
		"level":       levelLabel,
	}

	if err := c.sender.Send(ctx, rec.Target, title, content, meta); err != nil {
		// The sent flag is only set after a successful send, so the next
		// qualifying request retries delivery.
		metrics.QuotaAlertSendFailures.WithLabelValues(levelLabel).Inc()
		logging.Warn().Err(err).
			Str("workspace", workspaceID).Str("gateway", gatewayID).Int("level", level).
			Msg("Quota alert notification failed, will retry on next qualifying request")
		return nil
	}

	rec.MarkSent(level, time.Now().UTC())
	if err := c.store.SaveAlertConfig(ctx, rec); err != nil {
		return fmt.Errorf("persist sent flag: %w", err)
	}

	// Keep mirror readers fast-consistent, then invalidate so the next
	// natural reload observes the durable record.
	if err := c.mirror.Update(ctx, rec, workspaceID, gatewayID); err != nil {
		logging.Warn().Err(err).Msg("Mirror cache update failed")
	}
	if err := c.mirror.Del(ctx, workspaceID, gatewayID); err != nil {
		logging.Warn().Err(err).Msg("Mirror cache invalidation failed")
	}

	metrics.QuotaAlertsSent.WithLabelValues(levelLabel).Inc()
	logging.Info().
		Str("workspace", workspaceID).Str("gateway", gatewayID).Int("level", level).
		Float64("total", total).
		Msg("Quota alert sent")
	return nil
}
