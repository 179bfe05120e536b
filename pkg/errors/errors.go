// SPDX-License-Identifier: Apache-2.0

// Package errors provides the coded error type shared by Exo packages.
//
// Domain packages define their own typed errors (llm.ProviderError,
// tool.ValidationError, ...). Each of them exposes a Code method so that
// telemetry, fallbacks and the CLI can classify any error in a chain with
// CodeOf.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// ErrorCode classifies a failure. Codes are stable strings; they appear in
// metrics, logs, configuration (agent.fallback_by_code) and exit statuses.
type ErrorCode string

const (
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeCanceled     ErrorCode = "CANCELED"
	CodeTimeout      ErrorCode = "TIMEOUT"

	// Provider failures.
	CodeLLMError        ErrorCode = "LLM_ERROR"
	CodeRateLimit       ErrorCode = "RATE_LIMITED"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeInvalidResponse ErrorCode = "INVALID_RESPONSE"

	// Tool failures.
	CodeToolFailure   ErrorCode = "TOOL_FAILURE"
	CodeUnknownTool   ErrorCode = "UNKNOWN_TOOL"
	CodeDuplicateTool ErrorCode = "DUPLICATE_TOOL"
	CodeValidation    ErrorCode = "VALIDATION_ERROR"

	// Memory failures. CodeEncoding means a query could not be embedded.
	CodeMemoryError     ErrorCode = "MEMORY_ERROR"
	CodeEncoding        ErrorCode = "ENCODING_ERROR"
	CodeDuplicateRecord ErrorCode = "DUPLICATE_RECORD"

	CodeBusy        ErrorCode = "BUSY"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
)

// Coder is implemented by errors that carry an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// ExoError is a coded error with structured context. Context values end up
// in logs; Attributes are string pairs meant for span attributes.
type ExoError struct {
	ErrCode     ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Attributes  map[string]string
	Recoverable bool
}

func New(code ErrorCode, msg string, cause error) *ExoError {
	return &ExoError{ErrCode: code, Message: msg, Err: cause}
}

func (e *ExoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.ErrCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.ErrCode, e.Message, e.Err)
}

func (e *ExoError) Unwrap() error   { return e.Err }
func (e *ExoError) Code() ErrorCode { return e.ErrCode }

// WithContext sets key in Context and returns e.
func (e *ExoError) WithContext(key string, value any) *ExoError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithAttribute sets key in Attributes and returns e.
func (e *ExoError) WithAttribute(key, value string) *ExoError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

func (e *ExoError) WithRecoverable(recoverable bool) *ExoError {
	e.Recoverable = recoverable
	return e
}

// LogValue renders e as a slog group with sorted context keys, so
// logger.Error("...", "error", err) keeps the structure.
func (e *ExoError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.ErrCode)),
		slog.String("message", e.Message),
		slog.Bool("recoverable", e.Recoverable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Context)) {
		attrs = append(attrs, slog.Any("context."+k, e.Context[k]))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attributes)) {
		attrs = append(attrs, slog.String(k, e.Attributes[k]))
	}
	return slog.GroupValue(attrs...)
}

func (e *ExoError) MarshalJSON() ([]byte, error) {
	out := struct {
		Message     string            `json:"message"`
		Code        ErrorCode         `json:"code"`
		Cause       string            `json:"error,omitempty"`
		Recoverable bool              `json:"recoverable"`
		Context     map[string]any    `json:"context,omitempty"`
		Attributes  map[string]string `json:"attributes,omitempty"`
	}{
		Message:     e.Error(),
		Code:        e.ErrCode,
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// AsExoError returns the first *ExoError in the chain of err. Other errors
// are wrapped with the code CodeOf reports for them; nil stays nil.
func AsExoError(err error) *ExoError {
	if err == nil {
		return nil
	}
	var ee *ExoError
	if errors.As(err, &ee) {
		return ee
	}
	return New(CodeOf(err), err.Error(), err).WithRecoverable(IsRecoverable(err))
}

// CodeOf returns the code of the first Coder in the chain of err,
// CodeInternal when there is none, and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// IsRecoverable reports whether retrying or falling back may help. An
// *ExoError answers with its flag; errors with a Transient method, such as
// provider errors, answer with it; anything else is not recoverable.
func IsRecoverable(err error) bool {
	var ee *ExoError
	if errors.As(err, &ee) {
		return ee.Recoverable
	}
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// ExitCode maps an error code to a process exit status for the CLI.
func ExitCode(code ErrorCode) int {
	switch code {
	case "":
		return 0
	case CodeInvalidInput, CodeValidation, CodeUnknownTool, CodeDuplicateTool, CodeDuplicateRecord:
		return 2
	case CodeUnauthorized:
		return 3
	case CodeTimeout, CodeRateLimit, CodeCircuitOpen:
		return 4
	case CodeCanceled:
		return 130
	default:
		return 1
	}
}
