// SPDX-License-Identifier: Apache-2.0

// Package resilience provides retry, timeout, fallback and circuit breaker
// primitives shared by the provider adapter and the tool invoker.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jllopis/exo/pkg/errors"
)

// RetryConfig is an exponential backoff policy. The zero value makes a
// single attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps a single wait; zero means no cap.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts; zero means 2.
	Multiplier float64
	// Jitter spreads each delay by ±Jitter of its value, 0.1 being ±10%.
	Jitter float64

	// IsRecoverable decides whether err is worth another attempt. Nil
	// honors the Recoverable flag of *errors.ExoError and retries any
	// other error.
	IsRecoverable func(error) bool

	// OnRetry runs before each wait with the 1-based retry number.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig makes three attempts starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		Jitter:        0.1,
		IsRecoverable: isRecoverableDefault,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

func (rc RetryConfig) WithOnRetry(fn func(attempt int, delay time.Duration, err error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Delay is the wait before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered.
func (rc RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	mult := rc.Multiplier
	if mult == 0 {
		mult = 2
	}
	d := float64(rc.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if rc.MaxDelay > 0 {
		d = math.Min(d, float64(rc.MaxDelay))
	}
	if rc.Jitter > 0 {
		d += d * rc.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

// Do is Retry for functions without a result.
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry calls fn until it succeeds, fails with an error IsRecoverable
// rejects, or MaxAttempts calls have been made; the last error is returned.
// Cancellation during a wait returns an errors.CodeCanceled error wrapping
// ctx.Err().
func Retry[T any](ctx context.Context, rc RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = isRecoverableDefault
	}

	var (
		zero T
		err  error
	)
	for attempt := range attempts {
		if attempt > 0 {
			delay := rc.Delay(attempt)
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, delay, err)
			}
			if cerr := sleep(ctx, delay); cerr != nil {
				return zero, errors.New(errors.CodeCanceled, "context canceled during retry", cerr).
					WithContext("attempt", attempt).
					WithContext("max_attempts", attempts).
					WithContext("last_error", err)
			}
		}

		var v T
		if v, err = fn(ctx); err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !recoverable(err) {
			return zero, err
		}
	}
	return zero, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRecoverableDefault(err error) bool {
	if err == nil {
		return false
	}
	var ee *errors.ExoError
	if stderrors.As(err, &ee) {
		return ee.Recoverable
	}
	return true
}
