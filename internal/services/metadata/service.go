// Package metadata owns the section index under sr:metadata and repairs
// drift between it and the section data keys.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/retry"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
)

// Service reads and writes the metadata index. Every read-modify-write of
// the index happens under the metadata lock.
type Service struct {
	store  state.Store
	locks  *lock.Manager
	alarms alarm.Scheduler
	clock  clock.Clock
	logger *events.Logger

	storeRetry     retry.Policy
	reconcileRetry retry.Policy
}

// NewService creates a metadata service over the persistent store.
func NewService(store state.Store, locks *lock.Manager, alarms alarm.Scheduler, clk clock.Clock, cfg *config.Config, logger *events.Logger) *Service {
	return &Service{
		store:          store,
		locks:          locks,
		alarms:         alarms,
		clock:          clk,
		logger:         logger.WithField("service", "metadata"),
		storeRetry:     retry.StorePolicy(cfg.Retry, clk),
		reconcileRetry: retry.AlarmPolicy(cfg.Retry, cfg.Schedule.ReconcileRetryDelay),
	}
}

// Load reads the index. A missing or undecodable index reads as empty.
func (s *Service) Load(ctx context.Context) (models.MetadataIndex, error) {
	var values map[string]json.RawMessage
	err := s.storeRetry.DoRetryable(ctx, func() error {
		var err error
		values, err = s.store.Get(ctx, models.MetadataKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	idx := make(models.MetadataIndex)
	raw, ok := values[models.MetadataKey]
	if !ok {
		return idx, nil
	}
	if err := json.Unmarshal(raw, &idx); err != nil {
		s.logger.WithError(err).Error("Metadata index is corrupt, treating as empty")
		return make(models.MetadataIndex), nil
	}
	return idx, nil
}

// Save writes the index.
func (s *Service) Save(ctx context.Context, idx models.MetadataIndex) error {
	err := s.storeRetry.DoRetryable(ctx, func() error {
		return state.SetJSON(ctx, s.store, models.MetadataKey, idx)
	})
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// WithLock runs fn holding the metadata lock.
func (s *Service) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.locks.WithLock(ctx, lock.MetadataLock, fn)
}

// Update records sectionCount for hashedID. A zero count removes the entry.
func (s *Service) Update(ctx context.Context, hashedID string, sectionCount int) error {
	return s.WithLock(ctx, func(ctx context.Context) error {
		return s.UpdateLocked(ctx, hashedID, sectionCount)
	})
}

// UpdateLocked is Update for callers already holding the lock.
func (s *Service) UpdateLocked(ctx context.Context, hashedID string, sectionCount int) error {
	idx, err := s.Load(ctx)
	if err != nil {
		return err
	}
	key := models.SectionKey(hashedID)
	if sectionCount > 0 {
		idx[key] = models.MetadataEntry{UpdatedAt: s.clock.Now().UnixMilli(), SectionCount: sectionCount}
	} else {
		if _, ok := idx[key]; !ok {
			return nil
		}
		delete(idx, key)
	}
	return s.Save(ctx, idx)
}

// Report lists what a reconciliation repaired.
type Report struct {
	// StaleEntries were indexed without data and dropped from the index.
	StaleEntries []string
	// Orphans were data keys without an index entry and were deleted.
	Orphans []string
}

// Changed reports whether anything was repaired.
func (r Report) Changed() bool {
	return len(r.StaleEntries) > 0 || len(r.Orphans) > 0
}

// Reconcile makes the index and the data keys agree: index entries without
// data are dropped and data without an entry is deleted.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	var report Report
	err := s.WithLock(ctx, func(ctx context.Context) error {
		var all map[string]json.RawMessage
		err := s.storeRetry.DoRetryable(ctx, func() error {
			var err error
			all, err = s.store.GetAll(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("read store: %w", err)
		}
		idx, err := s.Load(ctx)
		if err != nil {
			return err
		}

		for _, key := range idx.Keys() {
			if _, ok := all[key]; !ok {
				delete(idx, key)
				report.StaleEntries = append(report.StaleEntries, key)
			}
		}
		for key := range all {
			if !models.IsSectionKey(key) {
				continue
			}
			if _, ok := idx[key]; !ok {
				report.Orphans = append(report.Orphans, key)
			}
		}

		sort.Strings(report.Orphans)

		if len(report.StaleEntries) > 0 {
			if err := s.Save(ctx, idx); err != nil {
				return err
			}
		}
		if len(report.Orphans) > 0 {
			err := s.storeRetry.DoRetryable(ctx, func() error {
				return s.store.Remove(ctx, report.Orphans...)
			})
			if err != nil {
				return fmt.Errorf("remove orphaned data: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	logger := s.logger.WithFields(map[string]any{
		"stale_entries": len(report.StaleEntries),
		"orphans":       len(report.Orphans),
	})
	if report.Changed() {
		logger.Warn("Storage and metadata reconciled")
	} else {
		logger.Debug("Storage and metadata are in sync")
	}
	return report, nil
}

// Run reconciles and reschedules itself on failure.
func (s *Service) Run(ctx context.Context) bool {
	return s.run(ctx, 0)
}

// HandleRetryAlarm runs the attempt a retry-reconcile alarm names.
func (s *Service) HandleRetryAlarm(ctx context.Context, name string) {
	attempt, ok := alarm.Attempt(name)
	if !ok {
		s.logger.WithField("alarm", name).Warn("Ignoring malformed reconcile retry alarm")
		return
	}
	s.run(ctx, attempt)
}

// run makes one attempt. Lock contention is expected and only logged at
// debug. Errors that will not clear on their own wait for the next
// scheduled run instead of a retry.
func (s *Service) run(ctx context.Context, attempt int) bool {
	_, err := s.Reconcile(ctx)
	if err == nil {
		return true
	}
	logger := s.logger.WithField("attempt", attempt)
	switch {
	case errors.Is(err, models.ErrLockTimeout):
		logger.Debug("Metadata busy, retrying reconciliation later")
	case !models.IsRetryable(err):
		logger.WithError(err).Error("Reconciliation failed")
		return false
	default:
		logger.WithError(err).Error("Reconciliation failed, retrying later")
	}

	scheduled, aerr := s.reconcileRetry.ScheduleNext(s.alarms, alarm.RetryReconcilePrefix, attempt)
	if aerr != nil {
		logger.WithError(aerr).Error("Failed to schedule reconciliation retry")
	} else if !scheduled {
		logger.Warn("Reconciliation retries exhausted, waiting for the next scheduled run")
	}
	return false
}
