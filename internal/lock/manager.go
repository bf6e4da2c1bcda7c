// Package lock implements advisory named locks stored as records in the
// session store. Acquisition is read, write, confirm-read, which is not
// atomic: two callers can both come away believing they hold a lock.
// Critical sections are written to tolerate that.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/retry"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
)

// Well-known lock names.
const (
	QueueLock     = "state_queue_process_lock"
	PurgeLock     = "storage_purge_lock"
	SaltSetupLock = "salt_setup_lock"
	MetadataLock  = "metadata_access_lock"
)

// Option adjusts a single acquisition.
type Option func(*acquireOptions)

type acquireOptions struct {
	timeout    time.Duration
	staleAfter time.Duration
}

// WithTimeout bounds how long Acquire keeps trying.
func WithTimeout(d time.Duration) Option {
	return func(o *acquireOptions) { o.timeout = d }
}

// WithStaleAfter sets the age past which an existing record may be
// overridden. It defaults to timeout times the configured multiplier.
func WithStaleAfter(d time.Duration) Option {
	return func(o *acquireOptions) { o.staleAfter = d }
}

// Manager acquires and releases named locks.
type Manager struct {
	store  state.Store
	alarms alarm.Scheduler
	clock  clock.Clock
	cfg    config.LockConfig
	logger *events.Logger
	jitter func() float64
	newID  func() string

	storeRetry   retry.Policy
	releaseRetry retry.Policy
}

// NewManager creates a lock manager over the session store.
func NewManager(store state.Store, alarms alarm.Scheduler, clk clock.Clock, cfg *config.Config, logger *events.Logger) *Manager {
	return &Manager{
		store:        store,
		alarms:       alarms,
		clock:        clk,
		cfg:          cfg.Locks,
		logger:       logger.WithField("component", "lock_manager"),
		jitter:       rand.Float64,
		newID:        uuid.NewString,
		storeRetry:   retry.StorePolicy(cfg.Retry, clk),
		releaseRetry: retry.AlarmPolicy(cfg.Retry, cfg.Locks.ReleaseRetryDelay),
	}
}

func key(name string) string {
	return models.LockPrefix + name
}

// Acquire obtains name and returns the holder id. It always makes at least
// one attempt, and fails with a LockError wrapping ErrLockTimeout once the
// timeout has elapsed.
func (m *Manager) Acquire(ctx context.Context, name string, opts ...Option) (string, error) {
	o := acquireOptions{timeout: m.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.staleAfter <= 0 {
		o.staleAfter = time.Duration(float64(o.timeout) * m.cfg.StaleMultiplier)
	}

	id := m.newID()
	start := m.clock.Now()
	logger := m.logger.WithField("lock", name)

	for attempt := 0; ; attempt++ {
		if attempt > 0 && m.clock.Now().Sub(start) >= o.timeout {
			break
		}

		acquired, err := m.try(ctx, name, id, o.staleAfter, logger)
		if err != nil {
			logger.WithError(err).Debug("Lock attempt failed")
		}
		if acquired {
			return id, nil
		}

		delay := m.cfg.RetryInterval
		if err := m.clock.Sleep(ctx, delay+time.Duration(m.jitter()*float64(delay))); err != nil {
			return "", &models.LockError{Name: name, Err: err}
		}
	}

	logger.Warn("Lock acquisition timed out")
	return "", &models.LockError{Name: name, Err: models.ErrLockTimeout}
}

func (m *Manager) try(ctx context.Context, name, id string, staleAfter time.Duration, logger *events.Logger) (bool, error) {
	var existing models.LockRecord
	found, err := state.GetJSON(ctx, m.store, key(name), &existing)
	if err != nil {
		return false, err
	}

	now := m.clock.Now()
	if found {
		if !existing.Stale(now, staleAfter) {
			return false, nil
		}
		logger.WithField("holder", existing.ID).Warn("Overriding stale lock")
	}

	record := models.LockRecord{AcquiredAt: now.UnixMilli(), ID: id}
	if err := state.SetJSON(ctx, m.store, key(name), record); err != nil {
		return false, err
	}

	var confirmed models.LockRecord
	if _, err := state.GetJSON(ctx, m.store, key(name), &confirmed); err != nil {
		return false, err
	}
	return confirmed.ID == id, nil
}

// Release drops name if id still holds it. Failures are not returned:
// transient ones are retried inline and then from alarms.
func (m *Manager) Release(ctx context.Context, name, id string) {
	if id == "" {
		return
	}
	if err := m.release(ctx, name, id); err != nil {
		m.scheduleReleaseRetry(ctx, name, id, 0, err)
	}
}

func (m *Manager) release(ctx context.Context, name, id string) error {
	var existing models.LockRecord
	var found bool
	err := m.storeRetry.DoRetryable(ctx, func() error {
		var err error
		found, err = state.GetJSON(ctx, m.store, key(name), &existing)
		return err
	})
	if err != nil {
		return err
	}
	if !found || existing.ID != id {
		return nil
	}
	return m.storeRetry.DoRetryable(ctx, func() error {
		return m.store.Remove(ctx, key(name))
	})
}

func (m *Manager) scheduleReleaseRetry(ctx context.Context, name, id string, attempt int, cause error) {
	logger := m.logger.WithFields(map[string]any{"lock": name, "attempt": attempt})
	if !models.IsRetryable(cause) {
		logger.WithError(cause).Critical("Failed to release lock, leaving it to go stale")
		return
	}

	raw, _ := json.Marshal(id)
	if err := m.store.Set(ctx, map[string]json.RawMessage{models.RetryDataPrefix + name: raw}); err != nil {
		logger.WithError(err).Error("Failed to record lock release retry")
	}
	scheduled, err := m.releaseRetry.ScheduleNext(m.alarms, alarm.ReleaseLockPrefix(name), attempt)
	switch {
	case err != nil:
		logger.WithError(err).Critical("Could not schedule lock release retry")
	case scheduled:
		logger.WithError(cause).Critical("Failed to release lock, scheduling retry")
	default:
		logger.WithError(cause).Critical("Lock release retries exhausted, leaving it to go stale")
	}
}

// HandleReleaseRetry completes a deferred release recorded by Release. The
// alarm name carries the lock and the attempt number.
func (m *Manager) HandleReleaseRetry(ctx context.Context, alarmName string) {
	name, ok := alarm.LockName(alarmName)
	attempt, aok := alarm.Attempt(alarmName)
	if !ok || !aok {
		m.logger.WithField("alarm", alarmName).Warn("Ignoring malformed lock release alarm")
		return
	}
	retryKey := models.RetryDataPrefix + name

	var id string
	found, err := state.GetJSON(ctx, m.store, retryKey, &id)
	if err != nil {
		m.logger.WithError(err).WithField("lock", name).Error("Failed to read lock release retry")
		return
	}
	if !found {
		return
	}

	if err := m.release(ctx, name, id); err != nil {
		m.scheduleReleaseRetry(ctx, name, id, attempt, err)
		return
	}
	if err := m.store.Remove(ctx, retryKey); err != nil {
		m.logger.WithError(err).WithField("lock", name).Warn("Failed to clear lock release retry")
	}
}

// CleanupStale removes every lock record. Session locks do not survive a
// restart, so any found at startup belong to a dead process.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	keys, err := state.KeysWithPrefix(ctx, m.store, models.LockPrefix)
	if err != nil {
		return 0, fmt.Errorf("list locks: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := m.store.Remove(ctx, keys...); err != nil {
		return 0, fmt.Errorf("remove locks: %w", err)
	}
	m.logger.WithField("count", len(keys)).Info("Removed stale locks")
	return len(keys), nil
}

// WithLock runs fn while holding name.
func (m *Manager) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...Option) error {
	id, err := m.Acquire(ctx, name, opts...)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), name, id)
	return fn(ctx)
}
