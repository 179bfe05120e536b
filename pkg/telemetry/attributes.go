// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys. Provider keys reuse the gen_ai semantic
// conventions; everything else lives under exo.*.
const (
	KeyAgentName     = attribute.Key("exo.agent.name")
	KeyAgentModel    = attribute.Key("exo.agent.model")
	KeyRunID         = attribute.Key("exo.agent.run_id")
	KeyIterations    = attribute.Key("exo.agent.iterations")
	KeyMaxIterations = attribute.Key("exo.agent.max_iterations")
	KeyRunState      = attribute.Key("exo.agent.state")
	KeyDegraded      = attribute.Key("exo.agent.degraded")

	KeySessionID    = attribute.Key("exo.session.id")
	KeyHistoryLen   = attribute.Key("exo.session.history_len")
	KeyMemoryOn     = attribute.Key("exo.memory.enabled")
	KeyMemoryIndex  = attribute.Key("exo.memory.index")
	KeyMemoryRecall = attribute.Key("exo.memory.recalled")

	KeyToolName       = attribute.Key("exo.tool.name")
	KeyToolCallID     = attribute.Key("exo.tool.call_id")
	KeyToolArgs       = attribute.Key("exo.tool.arguments")
	KeyToolResult     = attribute.Key("exo.tool.result")
	KeyToolDurationMs = attribute.Key("exo.tool.duration_ms")
	KeyToolOK         = attribute.Key("exo.tool.success")
	KeyToolIdempotent = attribute.Key("exo.tool.idempotent")
	KeyToolset        = attribute.Key("exo.tools.names")

	KeyModel        = attribute.Key("gen_ai.request.model")
	KeyProvider     = attribute.Key("gen_ai.system")
	KeyMessages     = attribute.Key("gen_ai.request.messages")
	KeyTemperature  = attribute.Key("gen_ai.request.temperature")
	KeyInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	KeyOutputTokens = attribute.Key("gen_ai.usage.output_tokens")
	KeyToolCalls    = attribute.Key("gen_ai.tool_calls")
	KeyDurationMs   = attribute.Key("gen_ai.duration_ms")
	KeyAttempts     = attribute.Key("exo.provider.attempts")
	KeyErrorKind    = attribute.Key("exo.provider.error_kind")
)

// DefaultPayloadLimit caps tool arguments and results copied onto spans.
const DefaultPayloadLimit = 512

// Run describes an agent run when it starts.
type Run struct {
	Agent         string
	Model         string
	ID            string
	MaxIterations int
	Tools         []string
}

func (r Run) Attributes() []attribute.KeyValue {
	kv := []attribute.KeyValue{
		KeyAgentName.String(r.Agent),
		KeyRunID.String(r.ID),
		KeyMaxIterations.Int(r.MaxIterations),
		KeyToolset.StringSlice(r.Tools),
	}
	if r.Model != "" {
		kv = append(kv, KeyAgentModel.String(r.Model))
	}
	return kv
}

// Outcome describes how a run finished.
type Outcome struct {
	State      string
	Iterations int
	Degraded   bool
}

func (o Outcome) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		KeyRunState.String(o.State),
		KeyIterations.Int(o.Iterations),
		KeyDegraded.Bool(o.Degraded),
	}
}

// Prompt describes the memory that went into a prompt.
type Prompt struct {
	MemoryEnabled bool
	Index         string
	Recalled      int
	SessionID     string
	History       int
}

func (c Prompt) Attributes() []attribute.KeyValue {
	kv := []attribute.KeyValue{
		KeyMemoryOn.Bool(c.MemoryEnabled),
		KeyHistoryLen.Int(c.History),
	}
	if c.MemoryEnabled {
		kv = append(kv, KeyMemoryIndex.String(c.Index), KeyMemoryRecall.Int(c.Recalled))
	}
	if c.SessionID != "" {
		kv = append(kv, KeySessionID.String(c.SessionID))
	}
	return kv
}

// ToolCall describes one finished tool invocation. Args and Result are cut
// to PayloadLimit bytes, DefaultPayloadLimit when zero.
type ToolCall struct {
	Name         string
	CallID       string
	Idempotent   bool
	Duration     time.Duration
	OK           bool
	Args         string
	Result       string
	PayloadLimit int
}

func (c ToolCall) Attributes() []attribute.KeyValue {
	limit := c.PayloadLimit
	if limit <= 0 {
		limit = DefaultPayloadLimit
	}
	kv := []attribute.KeyValue{
		KeyToolName.String(c.Name),
		KeyToolCallID.String(c.CallID),
		KeyToolIdempotent.Bool(c.Idempotent),
		KeyToolDurationMs.Int64(c.Duration.Milliseconds()),
		KeyToolOK.Bool(c.OK),
	}
	if c.Args != "" {
		kv = append(kv, KeyToolArgs.String(Truncate(c.Args, limit)))
	}
	if c.Result != "" {
		kv = append(kv, KeyToolResult.String(Truncate(c.Result, limit)))
	}
	return kv
}

// ProviderCall describes a chat request before it is sent.
type ProviderCall struct {
	Provider    string
	Model       string
	Messages    int
	Temperature float64
}

func (p ProviderCall) Attributes() []attribute.KeyValue {
	kv := []attribute.KeyValue{
		KeyModel.String(p.Model),
		KeyMessages.Int(p.Messages),
		KeyTemperature.Float64(p.Temperature),
	}
	if p.Provider != "" {
		kv = append(kv, KeyProvider.String(p.Provider))
	}
	return kv
}

// Usage describes what a successful chat request consumed. Zero token
// counts are left off the span.
type Usage struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
	Duration     time.Duration
}

func (u Usage) Attributes() []attribute.KeyValue {
	kv := []attribute.KeyValue{KeyDurationMs.Int64(u.Duration.Milliseconds())}
	if u.InputTokens > 0 {
		kv = append(kv, KeyInputTokens.Int(u.InputTokens))
	}
	if u.OutputTokens > 0 {
		kv = append(kv, KeyOutputTokens.Int(u.OutputTokens))
	}
	if u.ToolCalls > 0 {
		kv = append(kv, KeyToolCalls.Int(u.ToolCalls))
	}
	return kv
}

// Truncate shortens s to at most maxLen bytes, marking the cut with "...".
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
