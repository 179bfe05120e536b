// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"fmt"
)

// Policy bundles the retry, fallback and strictness decisions applied to
// provider and tool call sites.
type Policy struct {
	// Provider controls retries of provider calls.
	Provider RetryConfig

	// Tool controls retries of idempotent tool calls.
	Tool RetryConfig

	// Fallback produces the answer returned once retries are exhausted.
	Fallback FallbackStrategy

	// Strict propagates failures instead of running the fallback.
	Strict bool
}

// DefaultPolicy retries both call sites with DefaultRetryConfig and answers
// with DefaultApology when they fail.
func DefaultPolicy() Policy {
	return Policy{
		Provider: DefaultRetryConfig(),
		Tool:     DefaultRetryConfig(),
		Fallback: &StaticFallback{Value: DefaultApology},
	}
}

// Recover turns a terminal failure into a fallback answer. In strict mode,
// or when the fallback itself fails, the error is returned instead.
func (p Policy) Recover(ctx context.Context, cause error) (string, error) {
	if p.Strict {
		return "", cause
	}
	fb := p.Fallback
	if fb == nil {
		fb = &StaticFallback{Value: DefaultApology}
	}
	answer, err := fb.Execute(ctx, cause)
	if err != nil {
		return "", fmt.Errorf("fallback failed: %w (primary: %v)", err, cause)
	}
	return answer, nil
}
