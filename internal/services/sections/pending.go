package sections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/retry"
	"github.com/TheMichaelB/sectionrepeat/internal/services/metadata"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
)

// PendingBuffer holds writes that failed on quota until a purge frees
// space. Stashes live under pending_op_<hash>; that prefix is exempt from
// quota rejection.
type PendingBuffer struct {
	store     state.Store
	meta      *metadata.Service
	validator *Validator
	alarms    alarm.Scheduler
	logger    *events.Logger

	storeRetry  retry.Policy
	replayRetry retry.Policy
}

// NewPendingBuffer creates a buffer over the persistent store.
func NewPendingBuffer(store state.Store, meta *metadata.Service, validator *Validator, alarms alarm.Scheduler, clk clock.Clock, cfg *config.Config, logger *events.Logger) *PendingBuffer {
	return &PendingBuffer{
		store:       store,
		meta:        meta,
		validator:   validator,
		alarms:      alarms,
		logger:      logger.WithField("component", "pending_buffer"),
		storeRetry:  retry.StorePolicy(cfg.Retry, clk),
		replayRetry: retry.AlarmPolicy(cfg.Retry, cfg.Storage.PendingRetryDelay),
	}
}

// Stash records payload as the pending write for hashedID, replacing any
// earlier one.
func (b *PendingBuffer) Stash(ctx context.Context, hashedID string, payload json.RawMessage) error {
	pw := models.PendingWrite{Key: models.SectionKey(hashedID), Payload: payload}
	return b.storeRetry.DoRetryable(ctx, func() error {
		return state.SetJSON(ctx, b.store, models.PendingKey(hashedID), pw)
	})
}

// ReplayReport counts what a replay did with each stash.
type ReplayReport struct {
	Applied int
	// Deferred stashes stay for the next replay because the store is
	// still full.
	Deferred int
	// Dropped stashes were malformed and removed.
	Dropped int
	Failed  int
}

// ProcessPendingSaves replays every stash. Applied stashes are removed and
// their index entry refreshed; a quota failure keeps the stash and
// schedules a purge retry.
func (b *PendingBuffer) ProcessPendingSaves(ctx context.Context) (ReplayReport, error) {
	return b.Replay(ctx, 0)
}

// Replay is ProcessPendingSaves as attempt n of the purge retry sequence.
// Deferred stashes schedule attempt n+1 until the sequence is exhausted.
func (b *PendingBuffer) Replay(ctx context.Context, attempt int) (ReplayReport, error) {
	var report ReplayReport

	var keys []string
	err := b.storeRetry.DoRetryable(ctx, func() error {
		var err error
		keys, err = state.KeysWithPrefix(ctx, b.store, models.PendingPrefix)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("list pending writes: %w", err)
	}
	if len(keys) == 0 {
		return report, nil
	}
	b.logger.WithField("count", len(keys)).Info("Processing pending writes")

	var values map[string]json.RawMessage
	err = b.storeRetry.DoRetryable(ctx, func() error {
		var err error
		values, err = b.store.Get(ctx, keys...)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("read pending writes: %w", err)
	}

	for _, pKey := range keys {
		raw, ok := values[pKey]
		if !ok {
			continue
		}
		logger := b.logger.WithField("pending_key", pKey)

		var pw models.PendingWrite
		if err := b.decode(pKey, raw, &pw); err != nil {
			logger.WithError(err).Warn("Dropping malformed pending write")
			if err := b.store.Remove(ctx, pKey); err != nil {
				logger.WithError(err).Warn("Failed to remove malformed pending write")
			}
			report.Dropped++
			continue
		}

		err := b.replay(ctx, pKey, pw)
		switch {
		case err == nil:
			logger.Info("Applied pending write")
			report.Applied++
		case errors.Is(err, models.ErrQuotaExceeded):
			logger.Warn("Storage still full, keeping pending write")
			report.Deferred++
		default:
			logger.WithError(err).Error("Failed to apply pending write")
			report.Failed++
		}
	}

	if report.Deferred > 0 {
		scheduled, err := b.replayRetry.ScheduleNext(b.alarms, alarm.RetryPurgePrefix, attempt)
		if err != nil {
			b.logger.WithError(err).Error("Failed to schedule purge retry")
		} else if !scheduled {
			b.logger.WithField("attempt", attempt).Warn("Pending write retries exhausted, waiting for the next scheduled replay")
		}
	}
	return report, nil
}

func (b *PendingBuffer) decode(pKey string, raw json.RawMessage, pw *models.PendingWrite) error {
	if err := json.Unmarshal(raw, pw); err != nil {
		return err
	}
	hashedID := strings.TrimPrefix(pKey, models.PendingPrefix)
	if pw.Key != models.SectionKey(hashedID) {
		return fmt.Errorf("stash targets %q", pw.Key)
	}
	return b.validator.Validate(pw.Payload)
}

func (b *PendingBuffer) replay(ctx context.Context, pKey string, pw models.PendingWrite) error {
	var list models.SectionList
	if err := json.Unmarshal(pw.Payload, &list); err != nil {
		return err
	}
	hashedID := models.HashedIDFromKey(pw.Key)

	return b.meta.WithLock(ctx, func(ctx context.Context) error {
		err := b.storeRetry.DoRetryable(ctx, func() error {
			return b.store.Set(ctx, map[string]json.RawMessage{pw.Key: pw.Payload})
		})
		if err != nil {
			return err
		}
		if err := b.meta.UpdateLocked(ctx, hashedID, models.CompletedCount(list.Sections)); err != nil {
			return err
		}
		return b.storeRetry.DoRetryable(ctx, func() error {
			return b.store.Remove(ctx, pKey)
		})
	})
}

// Count returns the number of stashed writes.
func (b *PendingBuffer) Count(ctx context.Context) (int, error) {
	keys, err := state.KeysWithPrefix(ctx, b.store, models.PendingPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
