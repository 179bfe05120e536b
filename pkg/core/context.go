// SPDX-License-Identifier: Apache-2.0

// Package core holds the run-scoped context values and events shared by
// the agent loop and its observers.
package core

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	runKey ctxKey = iota
	sessionKey
)

func stringValue(ctx context.Context, k ctxKey) (string, bool) {
	v, _ := ctx.Value(k).(string)
	return v, v != ""
}

// WithRunID scopes ctx to one agent run. Logs, spans and events produced
// under ctx carry the id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey, id)
}

// RunID reports the run id of ctx. An empty id counts as absent.
func RunID(ctx context.Context) (string, bool) { return stringValue(ctx, runKey) }

// EnsureRunID returns ctx unchanged when it already has a run id, and
// otherwise a child context with a fresh "run-" id.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := newID("run")
	return WithRunID(ctx, id), id
}

// WithSessionID scopes ctx to a conversation. Session memory backends key
// history by it.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

func SessionID(ctx context.Context) (string, bool) { return stringValue(ctx, sessionKey) }

// NewSessionID returns a random "session-" id.
func NewSessionID() string { return newID("session") }

func newID(prefix string) string { return prefix + "-" + uuid.NewString() }
