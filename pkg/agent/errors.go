// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/exo/pkg/errors"
)

// ErrBusy is returned by Act when the agent is already running.
var ErrBusy = errors.New(errors.CodeBusy, "agent is busy", nil).WithRecoverable(true)

// CancellationError reports an Act stopped by its context. State is where
// the loop was when the cancellation was observed.
type CancellationError struct {
	State     State
	Iteration int
	Cause     error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("agent canceled while %s after %d tool executions: %v", e.State, e.Iteration, e.Cause)
}

func (e *CancellationError) Unwrap() error { return e.Cause }

// Code implements errors.Coder.
func (e *CancellationError) Code() errors.ErrorCode { return errors.CodeCanceled }

// ErrorEntry is a failure the fallback answered for.
type ErrorEntry struct {
	Agent     string
	RunID     string
	Iteration int
	Component string
	Err       error
	Time      time.Time
}

// ErrorLog records failures that the caller does not see as errors.
type ErrorLog interface {
	Record(ctx context.Context, entry ErrorEntry)
}

// SlogErrorLog writes entries as error logs.
type SlogErrorLog struct {
	logger *slog.Logger
}

// NewSlogErrorLog returns an ErrorLog backed by logger. A nil logger uses
// slog.Default.
func NewSlogErrorLog(logger *slog.Logger) *SlogErrorLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogErrorLog{logger: logger}
}

// Record implements ErrorLog.
func (l *SlogErrorLog) Record(ctx context.Context, e ErrorEntry) {
	l.logger.ErrorContext(ctx, "agent.error.recorded",
		slog.String("agent", e.Agent),
		slog.String("run_id", e.RunID),
		slog.Int("iteration", e.Iteration),
		slog.String("component", e.Component),
		slog.String("error_code", string(errors.CodeOf(e.Err))),
		slog.String("error", e.Err.Error()),
	)
}

// MemoryErrorLog keeps entries in memory.
type MemoryErrorLog struct {
	mu      sync.Mutex
	entries []ErrorEntry
}

// Record implements ErrorLog.
func (l *MemoryErrorLog) Record(_ context.Context, e ErrorEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of the recorded entries.
func (l *MemoryErrorLog) Entries() []ErrorEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// WrapLLMError wraps a provider error with the requested model.
func WrapLLMError(err error, model string) *errors.ExoError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeLLMError, "LLM call failed", err).
		WithContext("model", model).
		WithAttribute("llm.model", model).
		WithRecoverable(true)
}

// WrapToolError wraps a tool execution error with appropriate context.
func WrapToolError(err error, toolName, toolCallID string) *errors.ExoError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeToolFailure, "tool execution failed", err).
		WithContext("tool_name", toolName).
		WithContext("tool_call_id", toolCallID).
		WithAttribute("tool.name", toolName).
		WithRecoverable(true)
}

// WrapMemoryError wraps a memory system error with appropriate context.
func WrapMemoryError(err error, operation string) *errors.ExoError {
	if err == nil {
		return nil
	}
	return errors.New(errors.CodeMemoryError, "memory operation failed", err).
		WithContext("operation", operation).
		WithAttribute("memory.operation", operation).
		WithRecoverable(true)
}

// NewInvalidInputError creates a new invalid input error.
func NewInvalidInputError(msg string) *errors.ExoError {
	return errors.New(errors.CodeInvalidInput, msg, nil).
		WithRecoverable(false)
}
