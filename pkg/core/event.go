// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// EventType names a step of the agent loop. Values double as log messages.
type EventType string

const (
	EventRunStarted      EventType = "agent.run.started"
	EventProviderRequest EventType = "agent.provider.request"
	EventToolStarted     EventType = "agent.tool.started"
	EventToolCompleted   EventType = "agent.tool.completed"
	EventFallback        EventType = "agent.fallback"
	EventRunCompleted    EventType = "agent.run.completed"
	EventRunFailed       EventType = "agent.run.failed"
)

// Event is one observable step of a run.
type Event struct {
	Type      EventType
	Agent     string
	RunID     string
	Iteration int
	Timestamp time.Time
	Payload   map[string]any
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(t EventType, agent, runID string, iteration int, payload map[string]any) Event {
	return Event{
		Type:      t,
		Agent:     agent,
		RunID:     runID,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventEmitter receives events synchronously from the loop, so Emit should
// return quickly.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

type NoopEventEmitter struct{}

func (NoopEventEmitter) Emit(context.Context, Event) {}

type EventEmitterFunc func(ctx context.Context, event Event)

func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// Emitters fans each event out to every member in order.
type Emitters []EventEmitter

func (es Emitters) Emit(ctx context.Context, event Event) {
	for _, e := range es {
		e.Emit(ctx, event)
	}
}

// LogEmitter writes each event as one log record at Level, with the event
// type as message and payload keys sorted.
type LogEmitter struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (l LogEmitter) Emit(ctx context.Context, event Event) {
	if l.Logger == nil || !l.Logger.Enabled(ctx, l.Level) {
		return
	}
	attrs := make([]slog.Attr, 0, 3+len(event.Payload))
	attrs = append(attrs,
		slog.String("agent", event.Agent),
		slog.String("run_id", event.RunID),
		slog.Int("iteration", event.Iteration),
	)
	for _, k := range slices.Sorted(maps.Keys(event.Payload)) {
		attrs = append(attrs, slog.Any(k, event.Payload[k]))
	}
	l.Logger.LogAttrs(ctx, l.Level, string(event.Type), attrs...)
}

// EventRecorder keeps every event in memory, for tests and the scenario
// harness.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *EventRecorder) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded so far.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types returns the recorded event types in order.
func (r *EventRecorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
