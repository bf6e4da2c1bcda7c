package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/retry"
)

func TestDelay(t *testing.T) {
	p := retry.Policy{BaseDelay: 30 * time.Second, Multiplier: 2}
	assert.Equal(t, 30*time.Second, p.Delay(0))
	assert.Equal(t, 60*time.Second, p.Delay(1))
	assert.Equal(t, 120*time.Second, p.Delay(2))

	flat := retry.Policy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, flat.Delay(3))
}

func TestDoWithBackoff(t *testing.T) {
	fake := clock.NewFake(time.UnixMilli(0))
	p := retry.Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 2, Clock: fake}

	attempts := 0
	err := p.Do(context.Background(), func(attempt int) error {
		assert.Equal(t, attempts, attempt)
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	// 100ms + 200ms of backoff.
	assert.Equal(t, int64(300), clock.NowMillis(fake))
}

func TestDoExhausted(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Clock: clock.NewFake(time.UnixMilli(0))}
	boom := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, calls)
}

func TestDoPermanent(t *testing.T) {
	p := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Clock: clock.NewFake(time.UnixMilli(0))}
	fatal := errors.New("fatal")

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return retry.Permanent(fatal)
	})

	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Clock: clock.NewFake(time.UnixMilli(0))}

	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("error")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestScheduleNext(t *testing.T) {
	m := alarm.NewManual()
	p := retry.Policy{MaxAttempts: 3, BaseDelay: 30 * time.Second, Multiplier: 2}

	ok, err := p.ScheduleNext(m, alarm.RetrySaltSetupPrefix, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	s, found := m.Pending("retry-salt-setup:1")
	require.True(t, found)
	assert.Equal(t, 30*time.Second, s.Delay)

	ok, err = p.ScheduleNext(m, alarm.RetrySaltSetupPrefix, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	s, _ = m.Pending("retry-salt-setup:2")
	assert.Equal(t, time.Minute, s.Delay)

	ok, err = p.ScheduleNext(m, alarm.RetrySaltSetupPrefix, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, m.Names(), 2)
}

func TestDoRetryable(t *testing.T) {
	p := retry.StorePolicy(config.DefaultConfig().Retry, clock.NewFake(time.UnixMilli(0)))

	calls := 0
	err := p.DoRetryable(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &models.StoreError{Op: "get", Err: models.ErrTransientStore}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = p.DoRetryable(context.Background(), func() error {
		calls++
		return &models.StoreError{Op: "set", Err: models.ErrQuotaExceeded}
	})
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)
	assert.NotContains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 1, calls)

	calls = 0
	err = p.DoRetryable(context.Background(), func() error {
		calls++
		return &models.LockError{Name: "x", Err: models.ErrLockTimeout}
	})
	assert.ErrorIs(t, err, models.ErrLockTimeout)
	assert.Equal(t, config.DefaultConfig().Retry.StoreAttempts, calls)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, retry.Classify(nil))

	transient := &models.StoreError{Op: "get", Err: models.ErrTransientStore}
	assert.Same(t, transient, retry.Classify(transient))

	fatal := errors.New("decode failed")
	classified := retry.Classify(fatal)
	assert.ErrorIs(t, classified, fatal)
	assert.NotSame(t, fatal, classified)
}

func TestAlarmPolicy(t *testing.T) {
	cfg := config.DefaultConfig().Retry
	p := retry.AlarmPolicy(cfg, time.Minute)

	assert.Equal(t, cfg.AlarmAttempts, p.MaxAttempts)
	assert.Equal(t, time.Minute, p.Delay(0))
	assert.Equal(t, 4*time.Minute, p.Delay(2))
}
