// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"fmt"

	exoerrors "github.com/jllopis/exo/pkg/errors"
)

// UnknownToolError is returned when a name is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

// Code implements errors.Coder.
func (e *UnknownToolError) Code() exoerrors.ErrorCode { return exoerrors.CodeUnknownTool }

// DuplicateToolError is returned when a name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// Code implements errors.Coder.
func (e *DuplicateToolError) Code() exoerrors.ErrorCode { return exoerrors.CodeDuplicateTool }

// ValidationError reports arguments that do not satisfy a tool's schema.
type ValidationError struct {
	Tool    string
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("invalid argument %s.%s: %s", e.Tool, e.Field, e.Message)
}

// Code implements errors.Coder.
func (e *ValidationError) Code() exoerrors.ErrorCode { return exoerrors.CodeValidation }

// ExecutionError wraps a failure raised by a tool handler.
type ExecutionError struct {
	ToolName string
	Cause    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Code implements errors.Coder. Timeouts keep their own code.
func (e *ExecutionError) Code() exoerrors.ErrorCode {
	if exoerrors.CodeOf(e.Cause) == exoerrors.CodeTimeout {
		return exoerrors.CodeTimeout
	}
	return exoerrors.CodeToolFailure
}
