// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"slices"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func attrMap(kv []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kv))
	for _, a := range kv {
		m[a.Key] = a.Value
	}
	return m
}

func TestRunAttributes(t *testing.T) {
	m := attrMap(Run{Agent: "researcher", ID: "run-1", MaxIterations: 4, Tools: []string{"clock", "recall"}}.Attributes())

	if m[KeyAgentName].AsString() != "researcher" || m[KeyRunID].AsString() != "run-1" {
		t.Errorf("identity attributes: %v", m)
	}
	if m[KeyMaxIterations].AsInt64() != 4 {
		t.Errorf("max iterations = %v", m[KeyMaxIterations])
	}
	if got := m[KeyToolset].AsStringSlice(); !slices.Equal(got, []string{"clock", "recall"}) {
		t.Errorf("toolset = %v", got)
	}
	if _, ok := m[KeyAgentModel]; ok {
		t.Error("empty model should be omitted")
	}
}

func TestOutcomeAttributes(t *testing.T) {
	m := attrMap(Outcome{State: "done", Iterations: 3, Degraded: true}.Attributes())
	if m[KeyRunState].AsString() != "done" || m[KeyIterations].AsInt64() != 3 || !m[KeyDegraded].AsBool() {
		t.Errorf("unexpected outcome attributes %v", m)
	}
}

func TestPromptAttributes(t *testing.T) {
	tests := []struct {
		name    string
		prompt  Prompt
		present []attribute.Key
		absent  []attribute.Key
	}{
		{
			name:    "memory off",
			prompt:  Prompt{History: 2},
			present: []attribute.Key{KeyMemoryOn, KeyHistoryLen},
			absent:  []attribute.Key{KeyMemoryIndex, KeyMemoryRecall, KeySessionID},
		},
		{
			name:    "memory on with session",
			prompt:  Prompt{MemoryEnabled: true, Index: "*memory.InMemoryIndex", Recalled: 2, SessionID: "s-1"},
			present: []attribute.Key{KeyMemoryIndex, KeyMemoryRecall, KeySessionID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := attrMap(tt.prompt.Attributes())
			for _, k := range tt.present {
				if _, ok := m[k]; !ok {
					t.Errorf("missing %s", k)
				}
			}
			for _, k := range tt.absent {
				if _, ok := m[k]; ok {
					t.Errorf("unexpected %s", k)
				}
			}
		})
	}
}

func TestToolCallAttributesTruncatePayloads(t *testing.T) {
	call := ToolCall{
		Name:         "search",
		CallID:       "call-1",
		Duration:     150 * time.Millisecond,
		OK:           true,
		Args:         strings.Repeat("a", 40),
		PayloadLimit: 10,
	}
	m := attrMap(call.Attributes())

	if m[KeyToolDurationMs].AsInt64() != 150 || !m[KeyToolOK].AsBool() {
		t.Errorf("unexpected tool attributes %v", m)
	}
	if got := m[KeyToolArgs].AsString(); got != strings.Repeat("a", 10)+"..." {
		t.Errorf("args not truncated: %q", got)
	}
	if _, ok := m[KeyToolResult]; ok {
		t.Error("empty result should be omitted")
	}
}

func TestProviderAttributes(t *testing.T) {
	m := attrMap(ProviderCall{Provider: "openai", Model: "gpt-4o", Messages: 5, Temperature: 0.2}.Attributes())
	if m[KeyProvider].AsString() != "openai" || m[KeyModel].AsString() != "gpt-4o" || m[KeyMessages].AsInt64() != 5 {
		t.Errorf("unexpected request attributes %v", m)
	}

	u := attrMap(Usage{InputTokens: 100, Duration: time.Second}.Attributes())
	if u[KeyInputTokens].AsInt64() != 100 || u[KeyDurationMs].AsInt64() != 1000 {
		t.Errorf("unexpected usage attributes %v", u)
	}
	if _, ok := u[KeyOutputTokens]; ok {
		t.Error("zero output tokens should be omitted")
	}
}

func TestTruncate(t *testing.T) {
	if Truncate("short", 10) != "short" {
		t.Error("short strings are kept")
	}
	if Truncate("abcdef", 3) != "abc..." {
		t.Error("long strings are cut")
	}
	if Truncate("abcdef", 0) != "abcdef" {
		t.Error("a zero limit keeps the string")
	}
}
