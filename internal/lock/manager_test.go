package lock_test

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
)

type fixture struct {
	store  *state.MemoryStore
	alarms *alarm.Manual
	clock  *clock.Fake
	logs   *bytes.Buffer
	mgr    *lock.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  state.NewMemoryStore(),
		alarms: alarm.NewManual(),
		clock:  clock.NewFake(time.UnixMilli(1_700_000_000_000)),
		logs:   &bytes.Buffer{},
	}
	f.mgr = f.manager()
	return f
}

func (f *fixture) manager() *lock.Manager {
	logger := events.NewTestLogger(events.DebugLevel, "json", f.logs)
	return lock.NewManager(f.store, f.alarms, f.clock, config.DefaultConfig(), logger)
}

func (f *fixture) record(t *testing.T, name string) (models.LockRecord, bool) {
	t.Helper()
	var rec models.LockRecord
	found, err := state.GetJSON(context.Background(), f.store, models.LockPrefix+name, &rec)
	require.NoError(t, err)
	return rec, found
}

func TestAcquireRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Acquire(ctx, lock.MetadataLock)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, found := f.record(t, lock.MetadataLock)
	require.True(t, found)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, f.clock.Now().UnixMilli(), rec.AcquiredAt)

	f.mgr.Release(ctx, lock.MetadataLock, id)
	_, found = f.record(t, lock.MetadataLock)
	assert.False(t, found)

	again, err := f.mgr.Acquire(ctx, lock.MetadataLock)
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}

func TestAcquireTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	holder, err := f.mgr.Acquire(ctx, lock.PurgeLock)
	require.NoError(t, err)

	start := f.clock.Now()
	_, err = f.mgr.Acquire(ctx, lock.PurgeLock, lock.WithTimeout(500*time.Millisecond), lock.WithStaleAfter(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrLockTimeout)
	assert.Equal(t, models.ErrCodeLockTimeout, models.ErrorCode(err))

	var lockErr *models.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, lock.PurgeLock, lockErr.Name)
	assert.GreaterOrEqual(t, f.clock.Now().Sub(start), 500*time.Millisecond)

	rec, _ := f.record(t, lock.PurgeLock)
	assert.Equal(t, holder, rec.ID)
}

func TestAcquireZeroTimeoutStillTries(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Acquire(context.Background(), lock.QueueLock, lock.WithTimeout(0))
	assert.NoError(t, err)
}

func TestAcquireOverridesStaleLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := models.LockRecord{AcquiredAt: f.clock.Now().Add(-time.Minute).UnixMilli(), ID: "dead-holder"}
	require.NoError(t, state.SetJSON(ctx, f.store, models.LockPrefix+lock.SaltSetupLock, old))

	id, err := f.mgr.Acquire(ctx, lock.SaltSetupLock, lock.WithTimeout(10*time.Second))
	require.NoError(t, err)

	rec, _ := f.record(t, lock.SaltSetupLock)
	assert.Equal(t, id, rec.ID)
	assert.Contains(t, f.logs.String(), "Overriding stale lock")
}

func TestAcquireWaitsForFreshLockToGoStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Acquire(ctx, lock.QueueLock)
	require.NoError(t, err)

	// 1s stale threshold inside a 5s window: the waiter takes over once the
	// record has aged past it.
	id, err := f.mgr.Acquire(ctx, lock.QueueLock, lock.WithTimeout(5*time.Second), lock.WithStaleAfter(time.Second))
	require.NoError(t, err)

	rec, _ := f.record(t, lock.QueueLock)
	assert.Equal(t, id, rec.ID)
}

func TestReleaseIgnoresForeignHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Acquire(ctx, lock.MetadataLock)
	require.NoError(t, err)

	f.mgr.Release(ctx, lock.MetadataLock, "someone-else")
	f.mgr.Release(ctx, lock.MetadataLock, "")

	rec, found := f.record(t, lock.MetadataLock)
	require.True(t, found)
	assert.Equal(t, id, rec.ID)
}

func TestReleaseRetriesTransientStoreErrorInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Acquire(ctx, lock.PurgeLock)
	require.NoError(t, err)

	removes := 0
	f.store.SetFault(func(op string, keys []string) error {
		if op == "remove" {
			removes++
			if removes == 1 {
				return errors.New("remove unavailable")
			}
		}
		return nil
	})
	f.mgr.Release(ctx, lock.PurgeLock, id)

	assert.Equal(t, 2, removes)
	_, found := f.record(t, lock.PurgeLock)
	assert.False(t, found)
	assert.Empty(t, f.alarms.Names())
}

func TestReleasePermanentErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Acquire(ctx, lock.PurgeLock)
	require.NoError(t, err)

	removes := 0
	f.store.SetFault(func(op string, keys []string) error {
		if op == "remove" {
			removes++
			return &models.StoreError{Op: op, Err: errors.New("permission denied")}
		}
		return nil
	})
	f.mgr.Release(ctx, lock.PurgeLock, id)

	assert.Equal(t, 1, removes)
	assert.Empty(t, f.alarms.Names())
	assert.Contains(t, f.logs.String(), "leaving it to go stale")
}

func TestReleaseFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Acquire(ctx, lock.PurgeLock)
	require.NoError(t, err)

	f.store.SetFault(func(op string, keys []string) error {
		if op == "remove" {
			return errors.New("remove unavailable")
		}
		return nil
	})
	f.mgr.Release(ctx, lock.PurgeLock, id)

	first := alarm.ReleaseLockPrefix(lock.PurgeLock) + "1"
	sched, pending := f.alarms.Pending(first)
	require.True(t, pending)
	assert.Equal(t, config.DefaultConfig().Locks.ReleaseRetryDelay, sched.Delay)
	var stored string
	found, err := state.GetJSON(ctx, f.store, models.RetryDataPrefix+lock.PurgeLock, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, stored)

	// A failed retry backs off to the next attempt.
	f.mgr.HandleReleaseRetry(ctx, first)
	sched, pending = f.alarms.Pending(alarm.ReleaseLockPrefix(lock.PurgeLock) + "2")
	require.True(t, pending)
	assert.Equal(t, 2*config.DefaultConfig().Locks.ReleaseRetryDelay, sched.Delay)

	f.store.SetFault(nil)
	f.mgr.HandleReleaseRetry(ctx, alarm.ReleaseLockPrefix(lock.PurgeLock)+"2")

	_, found = f.record(t, lock.PurgeLock)
	assert.False(t, found)
	found, err = state.GetJSON(ctx, f.store, models.RetryDataPrefix+lock.PurgeLock, &stored)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReleaseRetriesStopWhenExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mgr.Acquire(ctx, lock.PurgeLock)
	require.NoError(t, err)

	f.store.SetFault(func(op string, keys []string) error {
		if op == "remove" {
			return errors.New("remove unavailable")
		}
		return nil
	})
	f.mgr.Release(ctx, lock.PurgeLock, id)

	last := config.DefaultConfig().Retry.AlarmAttempts - 1
	f.mgr.HandleReleaseRetry(ctx, alarm.ReleaseLockPrefix(lock.PurgeLock)+strconv.Itoa(last))

	_, pending := f.alarms.Pending(alarm.ReleaseLockPrefix(lock.PurgeLock) + strconv.Itoa(last+1))
	assert.False(t, pending)
	assert.Contains(t, f.logs.String(), "Lock release retries exhausted")
}

func TestCleanupStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{lock.QueueLock, lock.PurgeLock} {
		_, err := f.mgr.Acquire(ctx, name)
		require.NoError(t, err)
	}
	require.NoError(t, state.SetJSON(ctx, f.store, models.TabStatesKey, map[string]any{}))

	n, err := f.mgr.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.store.Len())
}

func TestWithLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.mgr.WithLock(ctx, lock.MetadataLock, func(ctx context.Context) error {
		_, held := f.record(t, lock.MetadataLock)
		assert.True(t, held)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, held := f.record(t, lock.MetadataLock)
	assert.False(t, held, "lock must be released even when fn fails")
}

// Two acquirers interleave so that B completes its whole acquisition
// between A's read and A's write. Both come away holding the lock; the
// store keeps A's record and B's release does nothing.
func TestAcquireRaceBothBelieveTheyHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.manager()
	b := f.manager()

	var (
		interleaved atomic.Bool
		bID         string
		bErr        error
	)
	f.store.SetFault(func(op string, keys []string) error {
		if op == "set" && interleaved.CompareAndSwap(false, true) {
			bID, bErr = b.Acquire(ctx, lock.QueueLock)
		}
		return nil
	})

	aID, err := a.Acquire(ctx, lock.QueueLock)
	require.NoError(t, err)
	require.NoError(t, bErr)
	assert.NotEmpty(t, bID)
	assert.NotEqual(t, aID, bID)

	rec, _ := f.record(t, lock.QueueLock)
	assert.Equal(t, aID, rec.ID)

	b.Release(ctx, lock.QueueLock, bID)
	rec, found := f.record(t, lock.QueueLock)
	require.True(t, found)
	assert.Equal(t, aID, rec.ID)

	a.Release(ctx, lock.QueueLock, aID)
	_, found = f.record(t, lock.QueueLock)
	assert.False(t, found)
}
