// Package retry implements exponential backoff, both inline and spread
// across alarm firings.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// Policy bounds a retry sequence. Attempt n (zero based) waits
// BaseDelay * Multiplier^n before the next one.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Clock       clock.Clock
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify marks errors models.IsRetryable rejects as Permanent.
func Classify(err error) error {
	if err == nil || models.IsRetryable(err) {
		return err
	}
	return Permanent(err)
}

// StorePolicy is the inline policy wrapped around store calls.
func StorePolicy(cfg config.RetryConfig, clk clock.Clock) Policy {
	return Policy{
		MaxAttempts: cfg.StoreAttempts,
		BaseDelay:   cfg.StoreBaseDelay,
		Multiplier:  cfg.Multiplier,
		Clock:       clk,
	}
}

// AlarmPolicy spreads attempts across alarm firings starting at base.
func AlarmPolicy(cfg config.RetryConfig, base time.Duration) Policy {
	return Policy{
		MaxAttempts: cfg.AlarmAttempts,
		BaseDelay:   base,
		Multiplier:  cfg.Multiplier,
	}
}

// Delay returns the wait after failed attempt n.
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(n)))
}

// Do runs fn until it succeeds, returns a Permanent error, or MaxAttempts
// is reached. fn receives the zero-based attempt number.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := clk.Sleep(ctx, p.Delay(attempt-1)); err != nil {
				return err
			}
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// DoRetryable runs fn under the policy, retrying only errors that
// models.IsRetryable accepts. Any other error is returned as is.
func (p Policy) DoRetryable(ctx context.Context, fn func() error) error {
	return p.Do(ctx, func(int) error {
		return Classify(fn())
	})
}

// ScheduleNext arms prefix+(failedAttempt+1) to fire after
// Delay(failedAttempt). It reports false, arming nothing, once the policy
// is exhausted.
func (p Policy) ScheduleNext(s alarm.Scheduler, prefix string, failedAttempt int) (bool, error) {
	if failedAttempt >= p.MaxAttempts-1 {
		return false, nil
	}
	name := prefix + strconv.Itoa(failedAttempt+1)
	if err := s.Create(name, alarm.Schedule{Delay: p.Delay(failedAttempt)}); err != nil {
		return false, fmt.Errorf("schedule %s: %w", name, err)
	}
	return true, nil
}
