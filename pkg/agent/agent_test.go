// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	exoerrors "github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/memory"
	"github.com/jllopis/exo/pkg/tool"
)

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{name: "zero iterations", opts: []Option{WithMaxIterations(0)}},
		{name: "temperature above one", opts: []Option{WithTemperature(1.5)}},
		{name: "negative temperature", opts: []Option{WithTemperature(-0.1)}},
		{name: "empty name", opts: []Option{WithName("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&llm.MockProvider{Response: "x"}, tt.opts...)
			if exoerrors.CodeOf(err) != exoerrors.CodeInvalidInput {
				t.Fatalf("New() error = %v, want invalid input", err)
			}
		})
	}
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestNewDefaults(t *testing.T) {
	a, err := New(&llm.MockProvider{Response: "x"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	cfg := a.Config()
	if cfg.MaxIterations != DefaultMaxIterations || cfg.Temperature != 0.7 || cfg.RecallK != 3 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if a.State() != StateIdle {
		t.Fatalf("State() = %s, want idle", a.State())
	}
	if a.Memory() == nil || a.Tools() == nil {
		t.Fatal("expected default memory and registry")
	}
}

func TestWithToolsRejectsDuplicates(t *testing.T) {
	var calls atomic.Int32
	_, err := New(&llm.MockProvider{Response: "x"}, WithTools(echoTool(&calls), echoTool(&calls)))
	var dup *tool.DuplicateToolError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate tool error, got %v", err)
	}
}

func TestListToolsAndString(t *testing.T) {
	var calls atomic.Int32
	a := newTestAgent(t, &llm.MockProvider{Response: "x"},
		WithTools(echoTool(&calls), flakyTool("lookup", true, 0, &calls)),
	)
	got := a.ListTools()
	if len(got) != 2 || got[0] != "echo" || got[1] != "lookup" {
		t.Fatalf("ListTools() = %v", got)
	}
	s := a.String()
	if !strings.Contains(s, "tester") || !strings.Contains(s, "test-model") || !strings.Contains(s, "echo") {
		t.Fatalf("String() = %q", s)
	}
}

func TestClearMemoryKeepsSemanticRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.WithSemantic(memory.NewSemantic(memory.NewHashEmbedder(128), memory.NewInMemoryIndex())))
	a := newTestAgent(t, llm.NewScriptedMockProvider("fine"), WithMemory(store), WithMemoryEnabled(true))

	if _, err := a.Remember(ctx, "the staging cluster runs in Frankfurt", nil); err != nil {
		t.Fatalf("Remember() error: %v", err)
	}
	if _, err := a.Act(ctx, "how are you"); err != nil {
		t.Fatalf("Act() error: %v", err)
	}
	if err := a.ClearMemory(ctx); err != nil {
		t.Fatalf("ClearMemory() error: %v", err)
	}

	if n, _ := store.Len(ctx); n != 0 {
		t.Fatalf("session has %d messages after clear", n)
	}
	hits, err := store.Recall(ctx, "staging cluster Frankfurt", 5)
	if err != nil {
		t.Fatalf("Recall() error: %v", err)
	}
	if len(hits) == 0 || hits[0].Record.Content != "the staging cluster runs in Frankfurt" {
		t.Fatalf("semantic memory lost after clear: %+v", hits)
	}
}

func TestCancellationErrorCode(t *testing.T) {
	err := &CancellationError{State: StateExecutingTool, Iteration: 2, Cause: context.Canceled}
	if !errors.Is(err, context.Canceled) {
		t.Fatal("expected cause to unwrap")
	}
	if exoerrors.CodeOf(err) != exoerrors.CodeCanceled {
		t.Fatalf("CodeOf() = %s", exoerrors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "executing_tool") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrapHelpers(t *testing.T) {
	if WrapLLMError(nil, "m") != nil || WrapToolError(nil, "t", "c") != nil || WrapMemoryError(nil, "op") != nil {
		t.Fatal("nil errors must stay nil")
	}
	cause := errors.New("boom")

	ee := WrapLLMError(cause, "gpt")
	if ee.Code() != exoerrors.CodeLLMError || ee.Context["model"] != "gpt" || !errors.Is(ee, cause) {
		t.Fatalf("unexpected llm error %+v", ee)
	}
	ee = WrapToolError(cause, "echo", "call_1")
	if ee.Code() != exoerrors.CodeToolFailure || ee.Context["tool_call_id"] != "call_1" {
		t.Fatalf("unexpected tool error %+v", ee)
	}
	ee = WrapMemoryError(cause, "append")
	if ee.Code() != exoerrors.CodeMemoryError || ee.Context["operation"] != "append" {
		t.Fatalf("unexpected memory error %+v", ee)
	}
	if NewInvalidInputError("bad").Recoverable {
		t.Fatal("invalid input must not be recoverable")
	}
}
