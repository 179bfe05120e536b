// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"fmt"

	"github.com/jllopis/exo/pkg/errors"
)

// DefaultApology is the answer produced by the default fallback.
const DefaultApology = "I'm sorry, I couldn't complete that request right now. Please try again later."

// FallbackStrategy turns a permanent failure into the answer the user sees.
// Returning an error means the strategy could not answer either.
type FallbackStrategy interface {
	Execute(ctx context.Context, primaryErr error) (string, error)
}

type FallbackFunc func(ctx context.Context, primaryErr error) (string, error)

func (f FallbackFunc) Execute(ctx context.Context, err error) (string, error) { return f(ctx, err) }

// StaticFallback always answers Value.
type StaticFallback struct{ Value string }

func (s StaticFallback) Execute(context.Context, error) (string, error) { return s.Value, nil }

// TemplateFallback answers fmt.Sprintf(Format, primaryErr).
type TemplateFallback struct{ Format string }

func (t TemplateFallback) Execute(_ context.Context, primaryErr error) (string, error) {
	return fmt.Sprintf(t.Format, primaryErr), nil
}

// ChainedFallback asks each strategy in turn, handing the next one the
// error of the previous. The last error is returned when all of them fail.
type ChainedFallback struct {
	Fallbacks []FallbackStrategy
}

func (c *ChainedFallback) Execute(ctx context.Context, primaryErr error) (string, error) {
	err := primaryErr
	for _, fb := range c.Fallbacks {
		if ctx.Err() != nil {
			break
		}
		var msg string
		if msg, err = fb.Execute(ctx, err); err == nil {
			return msg, nil
		}
	}
	return "", err
}

// CodeFallback picks the answer by errors.CodeOf(primaryErr). Codes without
// an entry go to Default, or get DefaultApology when Default is nil.
type CodeFallback struct {
	Messages map[errors.ErrorCode]string
	Default  FallbackStrategy
}

func (c *CodeFallback) Execute(ctx context.Context, primaryErr error) (string, error) {
	if msg, ok := c.Messages[errors.CodeOf(primaryErr)]; ok {
		return msg, nil
	}
	if c.Default == nil {
		return DefaultApology, nil
	}
	return c.Default.Execute(ctx, primaryErr)
}
