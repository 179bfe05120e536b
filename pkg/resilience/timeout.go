// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jllopis/exo/pkg/errors"
)

// errDeadline is the cancellation cause of contexts created by WithTimeout,
// which tells our deadline apart from one set by the caller.
var errDeadline = stderrors.New("resilience: deadline exceeded")

// WithTimeout runs fn under a deadline of d.
//
// fn is abandoned at the deadline even if it ignores its context; it keeps
// running in the background and its result is dropped. Missing the deadline
// yields a recoverable errors.CodeTimeout error, while the caller's own
// cancellation or deadline is returned unchanged. d <= 0 calls fn directly.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeoutCause(ctx, d, errDeadline)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	var (
		zero T
		res  result
	)
	select {
	case res = <-done:
		if res.err == nil || context.Cause(callCtx) != errDeadline {
			return res.v, res.err
		}
		// fn noticed our deadline first.
		return zero, timeoutError(d, res.err)
	case <-callCtx.Done():
		if context.Cause(callCtx) != errDeadline {
			return zero, ctx.Err()
		}
		return zero, timeoutError(d, context.DeadlineExceeded)
	}
}

// IsTimeout reports whether err carries errors.CodeTimeout.
func IsTimeout(err error) bool {
	return errors.CodeOf(err) == errors.CodeTimeout
}

func timeoutError(d time.Duration, cause error) error {
	return errors.New(errors.CodeTimeout, "operation exceeded timeout", cause).
		WithContext("timeout", d.String()).
		WithRecoverable(true)
}
