// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/exo/pkg/llm"
)

// Session is the ordered, append-only conversation of one agent session.
// Messages are returned in insertion order and are never reordered.
type Session interface {
	// Append adds msg at the end of the session.
	Append(ctx context.Context, msg llm.Message) error
	// Messages returns a copy of every message in insertion order.
	Messages(ctx context.Context) ([]llm.Message, error)
	// Len returns the number of messages.
	Len(ctx context.Context) (int, error)
	// Clear removes every message.
	Clear(ctx context.Context) error
}

// InMemorySession implements Session in process memory.
// Data is lost on restart.
type InMemorySession struct {
	mu       sync.RWMutex
	messages []llm.Message
}

// NewInMemorySession creates an empty session.
func NewInMemorySession() *InMemorySession {
	return &InMemorySession{}
}

// Append adds a message, stamping CreatedAt when unset.
func (m *InMemorySession) Append(_ context.Context, msg llm.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ToolCalls = append([]llm.ToolCall(nil), msg.ToolCalls...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a snapshot of the session.
func (m *InMemorySession) Messages(_ context.Context) ([]llm.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]llm.Message, len(m.messages))
	copy(out, m.messages)
	return out, nil
}

// Len returns the number of messages.
func (m *InMemorySession) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages), nil
}

// Clear removes all messages.
func (m *InMemorySession) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	return nil
}
