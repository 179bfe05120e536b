package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/resilience"
	"github.com/jllopis/exo/pkg/tool"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
	}
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		Provider: fastRetry(3),
		Tool:     fastRetry(3),
		Fallback: &resilience.StaticFallback{Value: resilience.DefaultApology},
	}
}

func echoTool(calls *atomic.Int32) tool.Tool {
	return tool.New(tool.Spec{
		Name:        "echo",
		Description: "Echoes the text back",
		Params: map[string]tool.Param{
			"text": {Type: tool.TypeString, Required: true},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return fmt.Sprintf("echo: %v", args["text"]), nil
	})
}

// flakyTool fails the first failures calls.
func flakyTool(name string, idempotent bool, failures int32, calls *atomic.Int32) tool.Tool {
	return tool.New(tool.Spec{Name: name, Idempotent: idempotent}, func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) <= failures {
			return nil, fmt.Errorf("%s unavailable", name)
		}
		return "ok", nil
	})
}

func newTestAgent(t *testing.T, p llm.Provider, opts ...Option) *Agent {
	t.Helper()
	base := []Option{
		WithName("tester"),
		WithModel("test-model"),
		WithLogger(quietLogger()),
		WithPolicy(fastPolicy()),
	}
	a, err := New(p, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a
}
