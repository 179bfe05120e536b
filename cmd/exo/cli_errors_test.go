package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jllopis/exo/pkg/agent"
	exoerrors "github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/llm"
)

func TestAsCLIErrorKeepsCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode exoerrors.ErrorCode
		wantExit int
		wantHint bool
	}{
		{
			name:     "unauthorized provider",
			err:      fmt.Errorf("run: %w", llm.NewProviderError("openai", llm.KindUnauthorized, errors.New("401"))),
			wantCode: exoerrors.CodeUnauthorized,
			wantExit: 3,
			wantHint: true,
		},
		{
			name:     "rate limited",
			err:      llm.NewProviderError("openai", llm.KindRateLimited, nil),
			wantCode: exoerrors.CodeRateLimit,
			wantExit: 4,
			wantHint: true,
		},
		{
			name:     "canceled run",
			err:      &agent.CancellationError{State: agent.StateAwaitingProvider, Cause: context.Canceled},
			wantCode: exoerrors.CodeCanceled,
			wantExit: 130,
		},
		{
			name:     "plain error",
			err:      errors.New("disk on fire"),
			wantCode: exoerrors.CodeInternal,
			wantExit: 1,
		},
		{
			name:     "cli error passes through",
			err:      fmt.Errorf("wrapped: %w", NewInvalidArgumentError("x", "bad")),
			wantCode: exoerrors.CodeInvalidInput,
			wantExit: 2,
			wantHint: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ce := asCLIError(tc.err)
			if ce.Code() != tc.wantCode {
				t.Errorf("code: got %s, want %s", ce.Code(), tc.wantCode)
			}
			if ce.ExitCode() != tc.wantExit {
				t.Errorf("exit: got %d, want %d", ce.ExitCode(), tc.wantExit)
			}
			if (ce.Hint != "") != tc.wantHint {
				t.Errorf("hint: %q", ce.Hint)
			}
		})
	}
}

func TestCLIErrorPrintError(t *testing.T) {
	ce := NewConfigError(errors.New("yaml: line 3"), "exo.yaml")

	var text bytes.Buffer
	ce.PrintError(&text, false)
	for _, want := range []string{"Error [INVALID_INPUT]: configuration error", "Cause: yaml: line 3", "Hint: check exo.yaml"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text output missing %q:\n%s", want, text.String())
		}
	}

	var out bytes.Buffer
	ce.PrintError(&out, true)
	var payload map[string]map[string]string
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON %q: %v", out.String(), err)
	}
	got := payload["error"]
	if got["code"] != "INVALID_INPUT" || got["cause"] != "yaml: line 3" || got["hint"] == "" {
		t.Errorf("unexpected payload %v", got)
	}
}

func TestCLIErrorUnwrap(t *testing.T) {
	ce := NewInvalidArgumentError("prompt", "empty")
	var ee *exoerrors.ExoError
	if !errors.As(ce, &ee) || ee.Code() != exoerrors.CodeInvalidInput {
		t.Fatalf("ExoError not reachable through CLIError")
	}
	if !strings.Contains(ce.Error(), "Hint:") {
		t.Errorf("Error() should carry the hint: %q", ce.Error())
	}
}
