// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	exoerrors "github.com/jllopis/exo/pkg/errors"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
}

// failN returns a function that fails with err on its first n calls.
func failN(n int, err error) (func(context.Context) (int, error), *int) {
	calls := 0
	return func(context.Context) (int, error) {
		calls++
		if calls <= n {
			return 0, err
		}
		return calls, nil
	}, &calls
}

func TestRetry(t *testing.T) {
	transient := errors.New("connection reset")
	tests := []struct {
		name      string
		rc        RetryConfig
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds after transient failures", rc: fastRetry(), failures: 2, err: transient, wantCalls: 3},
		{name: "gives up after max attempts", rc: fastRetry().WithMaxAttempts(2), failures: 5, err: transient, wantCalls: 2, wantErr: true},
		{name: "zero config makes one attempt", rc: RetryConfig{}, failures: 1, err: transient, wantCalls: 1, wantErr: true},
		{
			name:      "predicate stops retries",
			rc:        fastRetry().WithIsRecoverable(func(error) bool { return false }),
			failures:  1,
			err:       transient,
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "recoverable exo error is retried",
			rc:        fastRetry(),
			failures:  1,
			err:       exoerrors.New(exoerrors.CodeTimeout, "timed out", nil).WithRecoverable(true),
			wantCalls: 2,
		},
		{
			name:      "unrecoverable exo error is not",
			rc:        fastRetry(),
			failures:  1,
			err:       exoerrors.New(exoerrors.CodeUnauthorized, "bad key", nil),
			wantCalls: 1,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, calls := failN(tt.failures, tt.err)
			v, err := Retry(context.Background(), tt.rc, fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if *calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, tt.wantCalls)
			}
			if err == nil && v != tt.wantCalls {
				t.Errorf("result = %d, want the value of the successful call", v)
			}
			if err != nil && !errors.Is(err, tt.err) {
				t.Errorf("last error lost: %v", err)
			}
		})
	}
}

func TestRetryCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	rc := RetryConfig{MaxAttempts: 3, InitialDelay: time.Second}
	fn, calls := failN(3, errors.New("transient"))
	start := time.Now()
	_, err := Retry(ctx, rc, fn)

	if !errors.Is(err, context.Canceled) || exoerrors.CodeOf(err) != exoerrors.CodeCanceled {
		t.Errorf("expected a canceled error, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("the wait was not interrupted")
	}
}

func TestRetryDo(t *testing.T) {
	calls := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("once")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("Do: calls=%d err=%v", calls, err)
	}
}

func TestRetryOnRetryReportsGrowingDelays(t *testing.T) {
	var delays []time.Duration
	rc := fastRetry().WithMaxAttempts(4).WithOnRetry(func(_ int, d time.Duration, _ error) {
		delays = append(delays, d)
	})
	_ = rc.Do(context.Background(), func(context.Context) error { return errors.New("fail") })

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays = %v, want %v", delays, want)
		}
	}
}

func TestDelay(t *testing.T) {
	rc := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	for attempt, want := range map[int]time.Duration{
		0:  0,
		1:  time.Second,
		2:  2 * time.Second,
		3:  3 * time.Second,
		10: 3 * time.Second,
	} {
		if got := rc.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}

	rc.Jitter = 0.5
	for range 50 {
		if d := rc.Delay(1); d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±50%%", d)
		}
	}
}

func TestCircuitBreakerClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Name: "test"})

	if cb.State() != StateClosed {
		t.Errorf("expected initial state Closed")
	}
	for i := 0; i < 5; i++ {
		if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Errorf("call %d failed: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("expected state to remain Closed after success")
	}
}

func TestCircuitBreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Name: "test"})

	for i := 0; i < 2; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error {
			return errors.New("failure")
		})
	}
	if cb.State() != StateOpen {
		t.Errorf("expected state Open after %d failures", 2)
	}

	err := cb.Call(context.Background(), func(context.Context) error {
		t.Fatalf("should not execute in open state")
		return nil
	})
	if exoerrors.CodeOf(err) != exoerrors.CodeCircuitOpen {
		t.Errorf("expected CodeCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerIgnoresUncountedErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Counts:           func(err error) bool { return false },
	})
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("bad input") })
	if cb.State() != StateClosed {
		t.Errorf("expected uncounted error to keep the breaker closed")
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		Name:             "test",
	})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	now = now.Add(2 * time.Minute)
	_ = cb.Call(context.Background(), func(context.Context) error { return nil })
	if cb.State() != StateHalfOpen {
		t.Errorf("expected state HalfOpen after timeout")
	}

	_ = cb.Call(context.Background(), func(context.Context) error { return nil })
	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after successes in half-open")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Name: "test"})

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	if cb.State() != StateOpen {
		t.Fatalf("expected circuit to be open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected state Closed after reset")
	}
	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("call failed after reset: %v", err)
	}
}

func TestCircuitBreakerReportsTransitions(t *testing.T) {
	type transition struct{ from, to CircuitBreakerState }
	var got []transition
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		Name:             "llm.mock",
		OnStateChange: func(name string, from, to CircuitBreakerState) {
			if name != "llm.mock" {
				t.Errorf("name = %q", name)
			}
			got = append(got, transition{from, to})
		},
	})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	_ = cb.Call(context.Background(), func(context.Context) error { return nil })
	now = now.Add(2 * time.Minute)
	_ = cb.Call(context.Background(), func(context.Context) error { return nil })
	cb.Reset()

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
	if StateOpen.Level() != 0 || StateHalfOpen.Level() != 1 || StateClosed.Level() != 2 {
		t.Error("unexpected gauge levels")
	}
}
