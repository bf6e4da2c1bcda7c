package eviction_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/services/eviction"
	"github.com/TheMichaelB/sectionrepeat/internal/services/metadata"
	"github.com/TheMichaelB/sectionrepeat/internal/services/sections"
	"github.com/TheMichaelB/sectionrepeat/test/testutil"
)

const quota = 50_000

type fixture struct {
	env     *testutil.Env
	meta    *metadata.Service
	pending *sections.PendingBuffer
	svc     *sections.Service
	engine  *eviction.Engine
}

type saltStub struct{}

func (saltStub) UserSalt(context.Context) (string, bool, error) { return "pepper", true, nil }

func newFixture(t *testing.T, tweak func(*testutil.Env)) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	env.SetMaxBytes(quota)
	if tweak != nil {
		tweak(env)
	}

	validator, err := sections.NewValidator()
	require.NoError(t, err)

	f := &fixture{env: env}
	f.meta = metadata.NewService(env.Persistent, env.Locks, env.Alarms, env.Clock, env.Config, env.Logger)
	f.pending = sections.NewPendingBuffer(env.Persistent, f.meta, validator, env.Alarms, env.Clock, env.Config, env.Logger)
	f.svc = sections.NewService(env.Persistent, f.meta, f.pending, validator, saltStub{}, env.Clock, env.Config.Sections, env.Logger)
	f.engine = eviction.NewEngine(env.Persistent, f.meta, f.pending, env.Locks, env.Alarms, env.Host, env.Clock, env.Config, env.Logger)
	f.svc.SetPurgeTrigger(f.engine)

	env.Host.AddTab(1, "https://www.youtube.com/watch?v=a")
	env.Host.AddTab(2, "https://example.com/")
	return f
}

// seed writes n section lists straight into the backing store, oldest
// first, each about 900 bytes, and indexes them.
func (f *fixture) seed(t *testing.T, n int) []string {
	t.Helper()
	idx := models.MetadataIndex{}
	keys := make([]string, n)
	base := f.env.NowMillis() - int64(n)*1000
	for i := range n {
		hashed := fmt.Sprintf("video%03d", i)
		key := models.SectionKey(hashed)
		updated := base + int64(i)*1000
		testutil.Put(t, f.env.Local, key, testutil.SectionList(40, updated))
		idx[key] = models.MetadataEntry{UpdatedAt: updated, SectionCount: 40}
		keys[i] = key
	}
	testutil.Put(t, f.env.Local, models.MetadataKey, idx)
	return keys
}

func (f *fixture) usage(t *testing.T) float64 {
	t.Helper()
	used, err := f.env.Local.BytesInUse(context.Background())
	require.NoError(t, err)
	return float64(used) / quota
}

func (f *fixture) index(t *testing.T) models.MetadataIndex {
	t.Helper()
	idx, err := f.meta.Load(context.Background())
	require.NoError(t, err)
	return idx
}

func (f *fixture) dataKeys(t *testing.T) []string {
	t.Helper()
	all, err := f.env.Local.GetAll(context.Background())
	require.NoError(t, err)
	var keys []string
	for k := range all {
		if models.IsSectionKey(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (f *fixture) lastWarning(t *testing.T) models.StorageWarningPayload {
	t.Helper()
	msgs := f.env.Host.BroadcastsOfType(models.MsgStorageWarning)
	require.NotEmpty(t, msgs)
	p, err := models.DecodePayload[models.StorageWarningPayload](msgs[len(msgs)-1])
	require.NoError(t, err)
	return p
}

func TestPurgeBringsUsageUnderTarget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	keys := f.seed(t, 50)
	require.Greater(t, f.usage(t), f.env.Config.Storage.WarningRatio)

	assert.True(t, f.engine.Purge(ctx, false))

	assert.LessOrEqual(t, f.usage(t), f.env.Config.Storage.TargetRatio)
	idx := f.index(t)
	assert.ElementsMatch(t, idx.Keys(), f.dataKeys(t))

	// Oldest go first: survivors are a suffix of the seeded keys.
	survivors := keys[len(keys)-len(idx):]
	assert.ElementsMatch(t, survivors, idx.Keys())
	assert.NotContains(t, idx, keys[0])

	warning := f.lastWarning(t)
	assert.Equal(t, models.StorageLevelPurgeSuccess, warning.Level)
	assert.LessOrEqual(t, warning.Usage, 70)
}

func TestPurgeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 50)

	first, err := f.engine.PurgeToTarget(ctx, f.env.Config.Storage.TargetRatio)
	require.NoError(t, err)
	require.NotEmpty(t, first.Removed)
	before := f.index(t)

	second, err := f.engine.PurgeToTarget(ctx, f.env.Config.Storage.TargetRatio)
	require.NoError(t, err)
	assert.Empty(t, second.Removed)
	assert.Equal(t, before, f.index(t))
	assert.Equal(t, second.BytesBefore, second.BytesAfter)
}

func TestPurgeBelowWarningDoesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 5)

	assert.True(t, f.engine.Purge(context.Background(), false))

	assert.Len(t, f.index(t), 5)
	assert.Empty(t, f.env.Host.BroadcastsOfType(models.MsgStorageWarning))
}

func TestUserPurgeUsesLowerTarget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 45)
	testutil.Put(t, f.env.Local, models.PurgeRequiredKey, true)

	assert.True(t, f.engine.Purge(ctx, true))

	assert.LessOrEqual(t, f.usage(t), f.env.Config.Storage.UserTargetRatio)
	assert.False(t, testutil.Has(t, f.env.Local, models.PurgeRequiredKey))
	assert.Equal(t, models.StorageLevelPurgeSuccess, f.lastWarning(t).Level)
}

func TestPurgeRemovesExpiredEntries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	keys := f.seed(t, 3)

	idx := f.index(t)
	old := f.env.Clock.Now().Add(-31 * 24 * time.Hour).UnixMilli()
	idx[keys[1]] = models.MetadataEntry{UpdatedAt: old, SectionCount: 40}
	require.NoError(t, f.meta.Save(ctx, idx))

	res, err := f.engine.PurgeToTarget(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{keys[1]}, res.Removed)
	assert.False(t, testutil.Has(t, f.env.Local, keys[1]))
	assert.ElementsMatch(t, []string{keys[0], keys[2]}, f.index(t).Keys())
}

func TestPurgeEnforcesKeyLimit(t *testing.T) {
	f := newFixture(t, func(env *testutil.Env) {
		env.Config.Sections.MaxKeys = 3
	})
	keys := f.seed(t, 5)

	res, err := f.engine.PurgeToTarget(context.Background(), 1)
	require.NoError(t, err)

	assert.ElementsMatch(t, keys[:2], res.Removed)
	assert.ElementsMatch(t, keys[2:], f.index(t).Keys())
}

func TestPurgeRestoresIndexOnRemovalFailure(t *testing.T) {
	f := newFixture(t, func(env *testutil.Env) {
		env.Config.Storage.RemoveBatchSize = 2
	})
	ctx := context.Background()
	f.seed(t, 50)

	calls := 0
	f.env.Local.SetFault(func(op string, keys []string) error {
		if op == "remove" && len(keys) > 0 && models.IsSectionKey(keys[0]) {
			calls++
			if calls >= 2 {
				return errors.New("disk unavailable")
			}
		}
		return nil
	})

	assert.False(t, f.engine.Purge(ctx, false))
	f.env.Local.SetFault(nil)

	// Only the first batch went; every surviving key is indexed again.
	data := f.dataKeys(t)
	assert.Len(t, data, 48)
	assert.ElementsMatch(t, data, f.index(t).Keys())

	assert.Equal(t, 1+f.env.Config.Retry.StoreAttempts, calls, "the failing batch is retried inline")
	sched, ok := f.env.Alarms.Pending(alarm.RetryPurgePrefix + "1")
	require.True(t, ok)
	assert.Equal(t, f.env.Config.Storage.PurgeFailRetryDelay, sched.Delay)
}

func TestPurgeLockContentionSchedulesRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 50)

	_, err := f.env.Locks.Acquire(ctx, lock.PurgeLock, lock.WithStaleAfter(time.Hour))
	require.NoError(t, err)

	assert.False(t, f.engine.Purge(ctx, false))

	assert.Len(t, f.index(t), 50)
	sched, ok := f.env.Alarms.Pending(alarm.RetryPurgePrefix + "1")
	require.True(t, ok)
	assert.Equal(t, f.env.Config.Storage.PurgeRetryDelay, sched.Delay)

	// Still busy on the retry: the next one backs off.
	f.engine.HandleRetryAlarm(ctx, alarm.RetryPurgePrefix+"1")
	sched, ok = f.env.Alarms.Pending(alarm.RetryPurgePrefix + "2")
	require.True(t, ok)
	assert.Equal(t, 2*f.env.Config.Storage.PurgeRetryDelay, sched.Delay)
}

func TestPurgeRetriesTransientStoreErrorInline(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50)

	measured := 0
	f.env.Local.SetFault(func(op string, keys []string) error {
		if op == "bytes_in_use" && len(keys) == 0 {
			measured++
			if measured == 1 {
				return errors.New("connection reset")
			}
		}
		return nil
	})

	assert.True(t, f.engine.Purge(context.Background(), false))
	assert.LessOrEqual(t, f.usage(t), f.env.Config.Storage.TargetRatio)
	assert.Empty(t, f.env.Alarms.Names())
}

func TestPurgePermanentErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50)

	measured := 0
	f.env.Local.SetFault(func(op string, keys []string) error {
		if op == "bytes_in_use" {
			measured++
			return &models.StoreError{Op: op, Err: errors.New("table missing")}
		}
		return nil
	})

	assert.False(t, f.engine.Purge(context.Background(), false))
	f.env.Local.SetFault(nil)

	assert.Equal(t, 1, measured)
	assert.Len(t, f.index(t), 50)
	assert.Empty(t, f.env.Alarms.Names())
	assert.True(t, f.env.Logs.HasMessage("Purge failure is not retryable"))
}

func TestPurgeRetriesStopWhenExhausted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 50)

	_, err := f.env.Locks.Acquire(ctx, lock.PurgeLock, lock.WithStaleAfter(time.Hour))
	require.NoError(t, err)

	last := f.env.Config.Retry.AlarmAttempts - 1
	f.engine.HandleRetryAlarm(ctx, alarm.RetryPurgePrefix+strconv.Itoa(last))

	assert.Empty(t, f.env.Alarms.Names())
	assert.True(t, f.env.Logs.HasMessage("Purge retries exhausted"))
}

func TestCriticalAfterScheduledPurgeRequiresUserPurge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 3)
	// Unindexed bulk the engine cannot evict.
	testutil.Put(t, f.env.Local, models.OnboardingStateKey, strings.Repeat("x", 46_500))
	require.Greater(t, f.usage(t), f.env.Config.Storage.CriticalRatio)

	assert.True(t, f.engine.Purge(ctx, false))

	assert.Empty(t, f.index(t))
	assert.Equal(t, models.StorageLevelCritical, f.lastWarning(t).Level)
	var required bool
	require.True(t, testutil.Fetch(t, f.env.Local, models.PurgeRequiredKey, &required))
	assert.True(t, required)
}

func TestPurgeNotifiesTabsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50)

	require.True(t, f.engine.Purge(context.Background(), false))

	assert.Len(t, f.env.Host.BroadcastsOfType(models.MsgStorageWarning), 1)
	assert.True(t, f.env.Logs.HasMessage("Notified tabs of storage state"))
}

func TestPurgeNotifiesVideoHostOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50)

	messenger := &testutil.MockMessenger{}
	messenger.On("Broadcast", mock.Anything, models.TabFilter{Host: "youtube.com"}, testutil.MessageOfType(models.MsgStorageWarning)).
		Return(1, nil).Once()

	env := f.env
	engine := eviction.NewEngine(env.Persistent, f.meta, f.pending, env.Locks, env.Alarms, messenger, env.Clock, env.Config, env.Logger)
	require.True(t, engine.Purge(context.Background(), false))

	testutil.AssertMockExpectations(t, messenger)
}

func TestPurgeToleratesBroadcastFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 50)

	messenger := &testutil.MockMessenger{}
	messenger.On("Broadcast", mock.Anything, mock.Anything, mock.Anything).Return(0, errors.New("hub closed"))

	env := f.env
	engine := eviction.NewEngine(env.Persistent, f.meta, f.pending, env.Locks, env.Alarms, messenger, env.Clock, env.Config, env.Logger)
	assert.True(t, engine.Purge(context.Background(), false))
	assert.True(t, env.Logs.HasMessage("Failed to notify tabs"))
}

func TestQuotaFailureReplaysAfterPurge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 53)

	list := testutil.SectionList(40, 0)
	res, err := f.svc.Persist(ctx, "fresh", list.Sections)
	require.NoError(t, err)
	assert.True(t, res.Pending)

	// The purge ran inline and replayed the stash.
	assert.False(t, testutil.Has(t, f.env.Local, models.PendingKey("fresh")))
	assert.True(t, testutil.Has(t, f.env.Local, models.SectionKey("fresh")))
	entry, ok := f.index(t)[models.SectionKey("fresh")]
	require.True(t, ok)
	assert.Equal(t, 40, entry.SectionCount)
	assert.LessOrEqual(t, f.usage(t), f.env.Config.Storage.WarningRatio)
}

func TestStorageInfo(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, 5)
	testutil.Put(t, f.env.Local, models.SetupFailedKey, true)
	testutil.Put(t, f.env.Local, models.SetupErrorTypeKey, models.SetupErrorCrypto)
	testutil.Put(t, f.env.Local, models.SetupErrorMessageKey, "no entropy")

	info, err := f.engine.StorageInfo(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(quota), info.Max)
	assert.Positive(t, info.Used)
	assert.Equal(t, int(f.usage(t)*100+0.5), info.Percent)
	assert.True(t, info.SetupFailed)
	require.NotNil(t, info.SetupErrorType)
	assert.Equal(t, models.SetupErrorCrypto, *info.SetupErrorType)
	require.NotNil(t, info.SetupErrorMessage)
	assert.Equal(t, "no entropy", *info.SetupErrorMessage)
	assert.False(t, info.CriticalFailure)
}
