// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/exo/pkg/errors"
)

// hints suggest a next step for the codes a user can act on.
var hints = map[errors.ErrorCode]string{
	errors.CodeUnauthorized: "check llm.api_key or the provider's API key environment variable",
	errors.CodeRateLimit:    "the provider is throttling requests; try again later",
	errors.CodeTimeout:      "try raising llm.timeout or agent.tool_timeout",
	errors.CodeCircuitOpen:  "the provider failed repeatedly; wait for breaker.timeout before retrying",
	errors.CodeInvalidInput: "run 'exo help' for usage information",
}

// CLIError is what the exo command reports on stderr: a coded error plus an
// optional hint.
type CLIError struct {
	*errors.ExoError
	Hint string
}

func NewCLIError(ee *errors.ExoError, hint string) *CLIError {
	return &CLIError{ExoError: ee, Hint: hint}
}

func (e *CLIError) Error() string {
	if e.Hint == "" {
		return e.ExoError.Error()
	}
	return e.ExoError.Error() + "\n  Hint: " + e.Hint
}

func (e *CLIError) Unwrap() error { return e.ExoError }

func (e *CLIError) ExitCode() int { return errors.ExitCode(e.Code()) }

type cliErrorJSON struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Cause   string           `json:"cause,omitempty"`
	Hint    string           `json:"hint,omitempty"`
}

// PrintError writes e for a human, or as {"error": {...}} when asJSON is set.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	out := cliErrorJSON{Code: e.Code(), Message: e.Message, Hint: e.Hint}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]cliErrorJSON{"error": out})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", out.Code, out.Message)
	if out.Cause != "" {
		fmt.Fprintf(w, "  Cause: %s\n", out.Cause)
	}
	if out.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", out.Hint)
	}
}

func NewInvalidArgumentError(arg, reason string) *CLIError {
	ee := errors.New(errors.CodeInvalidInput, "invalid argument: "+reason, nil).
		WithContext("argument", arg).
		WithContext("reason", reason)
	return NewCLIError(ee, hints[errors.CodeInvalidInput])
}

func NewConfigError(err error, configPath string) *CLIError {
	ee := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check your configuration file syntax"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(ee, hint)
}

// asCLIError gives any error a code, the first one found in its chain as
// telemetry reports it, and the hint for that code.
func asCLIError(err error) *CLIError {
	var ce *CLIError
	if stderrors.As(err, &ce) {
		return ce
	}
	code := errors.CodeOf(err)
	var ee *errors.ExoError
	if !stderrors.As(err, &ee) || ee.Code() != code {
		ee = errors.New(code, err.Error(), nil)
	}
	return NewCLIError(ee, hints[code])
}
