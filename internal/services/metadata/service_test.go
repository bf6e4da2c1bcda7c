package metadata_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/services/metadata"
	"github.com/TheMichaelB/sectionrepeat/test/testutil"
)

func newService(env *testutil.Env) *metadata.Service {
	return metadata.NewService(env.Persistent, env.Locks, env.Alarms, env.Clock, env.Config, env.Logger)
}

func TestUpdateAndRemoveEntry(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)
	ctx := context.Background()

	require.NoError(t, svc.Update(ctx, "abc", 3))
	idx, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.MetadataEntry{UpdatedAt: env.NowMillis(), SectionCount: 3}, idx[models.SectionKey("abc")])

	require.NoError(t, svc.Update(ctx, "abc", 0))
	idx, err = svc.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, idx)

	assert.False(t, testutil.Has(t, env.Session, models.LockPrefix+lock.MetadataLock), "lock released")
}

func TestLoadCorruptIndexReadsEmpty(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)
	ctx := context.Background()
	require.NoError(t, env.Local.Set(ctx, map[string]json.RawMessage{models.MetadataKey: json.RawMessage(`[1,2]`)}))

	idx, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, idx)
	assert.True(t, env.Logs.HasLevel("error"))
}

func TestReconcileRepairsDrift(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)
	ctx := context.Background()
	now := env.NowMillis()

	testutil.Put(t, env.Local, models.SectionKey("both"), testutil.SectionList(2, now))
	testutil.Put(t, env.Local, models.SectionKey("orphan"), testutil.SectionList(1, now))
	testutil.Put(t, env.Local, models.PendingKey("x"), models.PendingWrite{Key: models.SectionKey("x")})
	testutil.Put(t, env.Local, models.OnboardingStateKey, map[string]bool{"done": true})
	testutil.Put(t, env.Local, models.MetadataKey, models.MetadataIndex{
		models.SectionKey("both"):  {UpdatedAt: now, SectionCount: 2},
		models.SectionKey("stale"): {UpdatedAt: now, SectionCount: 4},
	})

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{models.SectionKey("stale")}, report.StaleEntries)
	assert.Equal(t, []string{models.SectionKey("orphan")}, report.Orphans)

	idx, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{models.SectionKey("both")}, idx.Keys())
	assert.False(t, testutil.Has(t, env.Local, models.SectionKey("orphan")))
	assert.True(t, testutil.Has(t, env.Local, models.SectionKey("both")))
	assert.True(t, testutil.Has(t, env.Local, models.PendingKey("x")), "stashes are not section data")
	assert.True(t, testutil.Has(t, env.Local, models.OnboardingStateKey))

	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed(), "second pass finds nothing")
}

func TestRunSchedulesRetryOnLockContention(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)
	ctx := context.Background()

	_, err := env.Locks.Acquire(ctx, lock.MetadataLock, lock.WithStaleAfter(time.Hour))
	require.NoError(t, err)

	assert.False(t, svc.Run(ctx))
	sched, ok := env.Alarms.Pending(alarm.RetryReconcilePrefix + "1")
	require.True(t, ok)
	assert.Equal(t, env.Config.Schedule.ReconcileRetryDelay, sched.Delay)

	// The next failure backs off.
	svc.HandleRetryAlarm(ctx, alarm.RetryReconcilePrefix+"1")
	sched, ok = env.Alarms.Pending(alarm.RetryReconcilePrefix + "2")
	require.True(t, ok)
	assert.Equal(t, 2*env.Config.Schedule.ReconcileRetryDelay, sched.Delay)
}

func TestRunSucceeds(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)

	assert.True(t, svc.Run(context.Background()))
	assert.Empty(t, env.Alarms.Names())
}

func TestReconcileRetriesTransientStoreError(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)
	ctx := context.Background()
	testutil.Put(t, env.Local, models.SectionKey("orphan"), testutil.SectionList(1, 1))

	reads := 0
	env.Local.SetFault(func(op string, keys []string) error {
		if op == "get_all" {
			reads++
			if reads == 1 {
				return errors.New("connection reset")
			}
		}
		return nil
	})

	assert.True(t, svc.Run(ctx))
	assert.Equal(t, 2, reads)
	assert.False(t, testutil.Has(t, env.Local, models.SectionKey("orphan")))
	assert.Empty(t, env.Alarms.Names())
}

func TestReconcileTransientFailureSchedulesRetry(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)

	reads := 0
	env.Local.SetFault(func(op string, keys []string) error {
		if op == "get_all" {
			reads++
			return errors.New("connection reset")
		}
		return nil
	})

	assert.False(t, svc.Run(context.Background()))
	assert.Equal(t, env.Config.Retry.StoreAttempts, reads)
	_, ok := env.Alarms.Pending(alarm.RetryReconcilePrefix + "1")
	assert.True(t, ok)
}

func TestReconcilePermanentErrorIsNotRetried(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)

	reads := 0
	env.Local.SetFault(func(op string, keys []string) error {
		if op == "get_all" {
			reads++
			return &models.StoreError{Op: op, Err: errors.New("table missing")}
		}
		return nil
	})

	assert.False(t, svc.Run(context.Background()))
	assert.Equal(t, 1, reads)
	assert.Empty(t, env.Alarms.Names())
	assert.True(t, env.Logs.HasMessage("Reconciliation failed"))
}

func TestReconcileRetriesStopWhenExhausted(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := newService(env)
	ctx := context.Background()

	_, err := env.Locks.Acquire(ctx, lock.MetadataLock, lock.WithStaleAfter(time.Hour))
	require.NoError(t, err)

	last := env.Config.Retry.AlarmAttempts - 1
	svc.HandleRetryAlarm(ctx, alarm.RetryReconcilePrefix+strconv.Itoa(last))
	assert.Empty(t, env.Alarms.Names())
	assert.True(t, env.Logs.HasMessage("Reconciliation retries exhausted, waiting for the next scheduled run"))
}
