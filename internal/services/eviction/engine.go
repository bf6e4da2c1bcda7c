// Package eviction keeps persistent store usage under quota by removing
// the stalest section lists, driven by the metadata index.
package eviction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/retry"
	"github.com/TheMichaelB/sectionrepeat/internal/services/metadata"
	"github.com/TheMichaelB/sectionrepeat/internal/services/sections"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
)

// Engine runs purges.
type Engine struct {
	store     state.Store
	meta      *metadata.Service
	pending   *sections.PendingBuffer
	locks     *lock.Manager
	alarms    alarm.Scheduler
	messenger transport.Messenger
	clock     clock.Clock
	cfg       config.StorageConfig
	limits    config.SectionsConfig
	tabs      models.TabFilter
	logger    *events.Logger

	storeRetry retry.Policy
	// Purge retries share one alarm sequence; lock contention starts it
	// short, a failed purge long.
	busyRetry retry.Policy
	failRetry retry.Policy
}

// NewEngine creates a purge engine over the persistent store.
func NewEngine(
	store state.Store,
	meta *metadata.Service,
	pending *sections.PendingBuffer,
	locks *lock.Manager,
	alarms alarm.Scheduler,
	messenger transport.Messenger,
	clk clock.Clock,
	cfg *config.Config,
	logger *events.Logger,
) *Engine {
	return &Engine{
		store:     store,
		meta:      meta,
		pending:   pending,
		locks:     locks,
		alarms:    alarms,
		messenger: messenger,
		clock:     clk,
		cfg:       cfg.Storage,
		limits:    cfg.Sections,
		tabs:      models.TabFilter{Host: cfg.Tabs.Host},
		logger:    logger.WithField("service", "eviction"),

		storeRetry: retry.StorePolicy(cfg.Retry, clk),
		busyRetry:  retry.AlarmPolicy(cfg.Retry, cfg.Storage.PurgeRetryDelay),
		failRetry:  retry.AlarmPolicy(cfg.Retry, cfg.Storage.PurgeFailRetryDelay),
	}
}

// Result describes one purge pass.
type Result struct {
	Removed     []string
	BytesBefore int64
	BytesAfter  int64
}

// Purge is the scheduled and user-facing entry point. Unless
// userInitiated it only runs above the warning ratio. It returns false when
// the purge could not run; a retry alarm is scheduled when the cause may
// clear on its own.
func (e *Engine) Purge(ctx context.Context, userInitiated bool) bool {
	return e.purge(ctx, userInitiated, 0)
}

// HandleRetryAlarm runs the attempt a retry-purge alarm names.
func (e *Engine) HandleRetryAlarm(ctx context.Context, name string) {
	attempt, ok := alarm.Attempt(name)
	if !ok {
		e.logger.WithField("alarm", name).Warn("Ignoring malformed purge retry alarm")
		return
	}
	e.purge(ctx, false, attempt)
}

func (e *Engine) purge(ctx context.Context, userInitiated bool, attempt int) bool {
	logger := e.logger.WithFields(map[string]any{"user_initiated": userInitiated, "attempt": attempt})

	lockID, err := e.locks.Acquire(ctx, lock.PurgeLock, lock.WithTimeout(e.cfg.LockTimeout))
	if err != nil {
		logger.WithError(err).Debug("Could not acquire purge lock, scheduling retry")
		e.scheduleRetry(e.busyRetry, attempt, logger)
		return false
	}
	defer e.locks.Release(context.WithoutCancel(ctx), lock.PurgeLock, lockID)

	used, err := e.measure(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to measure storage")
		e.retryFailure(err, attempt, logger)
		return false
	}
	ratio := e.ratio(used)
	if !userInitiated && ratio <= e.cfg.WarningRatio {
		logger.WithField("usage_percent", percent(ratio)).Debug("Storage usage is acceptable")
		return true
	}

	target := e.cfg.TargetRatio
	if userInitiated {
		target = e.cfg.UserTargetRatio
	}
	res, err := e.PurgeToTarget(ctx, target)
	if err != nil {
		logger.WithError(err).Error("Purge failed")
		e.retryFailure(err, attempt, logger)
		return false
	}

	if report, err := e.pending.Replay(ctx, attempt); err != nil {
		logger.WithError(err).Warn("Failed to replay pending writes")
	} else if report.Applied > 0 {
		// Replayed writes consume space again.
		if after, err := e.measure(ctx); err == nil {
			res.BytesAfter = after
		}
	}

	finalRatio := e.ratio(res.BytesAfter)
	level := e.level(finalRatio)
	if err := e.recordPressure(ctx, userInitiated, level, finalRatio); err != nil {
		logger.WithError(err).Warn("Failed to record storage pressure")
	}
	e.notify(ctx, level, finalRatio)
	return true
}

// TriggerImmediate runs a purge requested after a write hit the quota.
func (e *Engine) TriggerImmediate(ctx context.Context) bool {
	e.logger.Info("Immediate purge requested due to storage pressure")
	return e.Purge(ctx, false)
}

// PurgeToTarget removes section lists by age, count and size until usage
// is at most targetRatio of the quota. The index is written before any
// data is removed. The caller holds the purge lock.
func (e *Engine) PurgeToTarget(ctx context.Context, targetRatio float64) (Result, error) {
	var res Result
	err := e.meta.WithLock(ctx, func(ctx context.Context) error {
		idx, err := e.meta.Load(ctx)
		if err != nil {
			return err
		}
		current, err := e.measure(ctx)
		if err != nil {
			return fmt.Errorf("measure storage: %w", err)
		}
		res.BytesBefore, res.BytesAfter = current, current

		if len(idx) == 0 {
			e.logger.Info("No metadata found, nothing to purge")
			return nil
		}

		candidates, err := e.selectCandidates(ctx, idx, current, targetRatio)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			e.logger.Info("No keys need removal under current policies")
			return nil
		}

		if err := e.removeAll(ctx, idx, candidates); err != nil {
			return err
		}
		res.Removed = candidates

		after, err := e.measure(ctx)
		if err != nil {
			return fmt.Errorf("measure storage: %w", err)
		}
		res.BytesAfter = after
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if len(res.Removed) > 0 {
		e.logger.WithFields(map[string]any{
			"removed":       len(res.Removed),
			"usage_percent": percent(e.ratio(res.BytesAfter)),
			"target":        percent(targetRatio),
		}).Info("Purge completed")
	}
	return res, nil
}

type candidate struct {
	key       string
	updatedAt int64
}

// selectCandidates applies the age, count and size policies in that order.
func (e *Engine) selectCandidates(ctx context.Context, idx models.MetadataIndex, current int64, targetRatio float64) ([]string, error) {
	now := e.clock.Now()
	remove := make(map[string]bool)
	var valid []candidate

	for key, entry := range idx {
		if entry.Expired(now, e.limits.MaxAge) {
			remove[key] = true
			continue
		}
		valid = append(valid, candidate{key: key, updatedAt: entry.UpdatedAt})
	}
	sort.Slice(valid, func(i, j int) bool {
		if valid[i].updatedAt != valid[j].updatedAt {
			return valid[i].updatedAt < valid[j].updatedAt
		}
		return valid[i].key < valid[j].key
	})

	if e.limits.MaxKeys > 0 && len(valid) > e.limits.MaxKeys {
		excess := len(valid) - e.limits.MaxKeys
		for _, c := range valid[:excess] {
			remove[c.key] = true
		}
		valid = valid[excess:]
	}

	bytesToFree := current - int64(float64(e.cfg.MaxBytes)*targetRatio)
	if bytesToFree > 0 && len(valid) > 0 {
		keys := make([]string, len(valid))
		for i, c := range valid {
			keys[i] = c.key
		}
		values, err := e.get(ctx, keys...)
		if err != nil {
			return nil, fmt.Errorf("measure entries: %w", err)
		}
		for _, c := range valid {
			if bytesToFree <= 0 {
				break
			}
			remove[c.key] = true
			if raw, ok := values[c.key]; ok {
				bytesToFree -= state.EntrySize(c.key, raw)
			}
		}
	}

	out := make([]string, 0, len(remove))
	for k := range remove {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// removeAll drops candidates from the index, persists it, then removes the
// data in batches. On failure the index regains entries for every key that
// still exists.
func (e *Engine) removeAll(ctx context.Context, idx models.MetadataIndex, keys []string) error {
	snapshot := idx.Clone()
	for _, k := range keys {
		delete(idx, k)
	}
	if err := e.meta.Save(ctx, idx); err != nil {
		return err
	}

	batch := e.cfg.RemoveBatchSize
	if batch <= 0 {
		batch = len(keys)
	}
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		batchKeys := keys[start:end]
		err := e.storeRetry.DoRetryable(ctx, func() error {
			return e.store.Remove(ctx, batchKeys...)
		})
		if err != nil {
			e.logger.WithError(err).Error("Failed during key removal, restoring metadata")
			if rerr := e.restore(ctx, idx, snapshot, keys[start:]); rerr != nil {
				return errors.Join(fmt.Errorf("remove sections: %w", err), rerr)
			}
			return fmt.Errorf("remove sections: %w", err)
		}
	}
	return nil
}

func (e *Engine) restore(ctx context.Context, idx, snapshot models.MetadataIndex, unremoved []string) error {
	values, err := e.get(ctx, unremoved...)
	if err != nil {
		// Existence unknown: the snapshot never forgets a survivor.
		return e.meta.Save(ctx, snapshot)
	}
	for _, k := range unremoved {
		if _, ok := values[k]; ok {
			idx[k] = snapshot[k]
		}
	}
	return e.meta.Save(ctx, idx)
}

func (e *Engine) measure(ctx context.Context) (int64, error) {
	var used int64
	err := e.storeRetry.DoRetryable(ctx, func() error {
		var err error
		used, err = e.store.BytesInUse(ctx)
		return err
	})
	return used, err
}

func (e *Engine) get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	var values map[string]json.RawMessage
	err := e.storeRetry.DoRetryable(ctx, func() error {
		var err error
		values, err = e.store.Get(ctx, keys...)
		return err
	})
	return values, err
}

// retryFailure schedules the next attempt for failures that may clear on
// their own. Anything else waits for the periodic purge.
func (e *Engine) retryFailure(cause error, attempt int, logger *events.Logger) {
	if !models.IsRetryable(cause) {
		logger.Warn("Purge failure is not retryable, waiting for the next scheduled purge")
		return
	}
	e.scheduleRetry(e.failRetry, attempt, logger)
}

func (e *Engine) scheduleRetry(policy retry.Policy, attempt int, logger *events.Logger) {
	scheduled, err := policy.ScheduleNext(e.alarms, alarm.RetryPurgePrefix, attempt)
	if err != nil {
		logger.WithError(err).Error("Failed to schedule purge retry")
	} else if !scheduled {
		logger.Warn("Purge retries exhausted, waiting for the next scheduled purge")
	}
}

func (e *Engine) ratio(used int64) float64 {
	if e.cfg.MaxBytes <= 0 {
		return 0
	}
	return float64(used) / float64(e.cfg.MaxBytes)
}

func (e *Engine) level(ratio float64) string {
	switch {
	case ratio > e.cfg.CriticalRatio:
		return models.StorageLevelCritical
	case ratio > e.cfg.WarningRatio:
		return models.StorageLevelWarning
	default:
		return models.StorageLevelPurgeSuccess
	}
}

// recordPressure keeps the purge-required flag for the popup: set while a
// scheduled purge cannot get below critical, cleared by a user purge.
func (e *Engine) recordPressure(ctx context.Context, userInitiated bool, level string, ratio float64) error {
	if userInitiated {
		return e.store.Remove(ctx, models.PurgeRequiredKey, models.PurgeUsagePercentKey)
	}
	if level != models.StorageLevelCritical {
		return nil
	}
	return e.store.Set(ctx, map[string]json.RawMessage{
		models.PurgeRequiredKey:     json.RawMessage("true"),
		models.PurgeUsagePercentKey: json.RawMessage(fmt.Sprint(percent(ratio))),
	})
}

func (e *Engine) notify(ctx context.Context, level string, ratio float64) {
	msg, err := models.NewMessage(models.MsgStorageWarning, models.StorageWarningPayload{Level: level, Usage: percent(ratio)})
	if err != nil {
		e.logger.WithError(err).Warn("Failed to build storage notification")
		return
	}
	n, err := e.messenger.Broadcast(ctx, e.tabs, msg)
	if err != nil {
		e.logger.WithError(err).Warn("Failed to notify tabs")
		return
	}
	e.logger.WithFields(map[string]any{"level": level, "tabs": n}).Debug("Notified tabs of storage state")
}

// Usage reports bytes in use and the rounded percentage of the quota.
func (e *Engine) Usage(ctx context.Context) (int64, int, error) {
	used, err := e.measure(ctx)
	if err != nil {
		return 0, 0, err
	}
	return used, percent(e.ratio(used)), nil
}

func percent(ratio float64) int {
	return int(math.Round(ratio * 100))
}

// StorageInfo reports usage with the setup and init failure flags the popup
// shows next to it.
func (e *Engine) StorageInfo(ctx context.Context) (models.StorageInfo, error) {
	used, pct, err := e.Usage(ctx)
	if err != nil {
		return models.StorageInfo{}, err
	}
	info := models.StorageInfo{Used: used, Max: e.cfg.MaxBytes, Percent: pct}

	values, err := e.store.Get(ctx,
		models.SetupFailedKey,
		models.SetupErrorMessageKey,
		models.SetupErrorTypeKey,
		models.CriticalInitFailureKey,
	)
	if err != nil {
		return models.StorageInfo{}, err
	}
	decode := func(key string, v any) {
		if raw, ok := values[key]; ok {
			if err := json.Unmarshal(raw, v); err != nil {
				e.logger.WithError(err).WithField("key", key).Warn("Ignoring malformed flag")
			}
		}
	}
	decode(models.SetupFailedKey, &info.SetupFailed)
	decode(models.SetupErrorMessageKey, &info.SetupErrorMessage)
	decode(models.SetupErrorTypeKey, &info.SetupErrorType)
	decode(models.CriticalInitFailureKey, &info.CriticalFailure)
	return info, nil
}
