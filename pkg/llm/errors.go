package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	exoerrors "github.com/jllopis/exo/pkg/errors"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	// KindRateLimited means the provider throttled the request.
	KindRateLimited ErrorKind = "rate_limited"
	// KindTimeout means the call exceeded its deadline or the backend was unavailable.
	KindTimeout ErrorKind = "timeout"
	// KindInvalidResponse means the provider answered with something unusable.
	KindInvalidResponse ErrorKind = "invalid_response"
	// KindUnauthorized means the credentials were rejected.
	KindUnauthorized ErrorKind = "unauthorized"
)

// ProviderError is the error returned across the provider boundary.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Code implements errors.Coder.
func (e *ProviderError) Code() exoerrors.ErrorCode {
	switch e.Kind {
	case KindRateLimited:
		return exoerrors.CodeRateLimit
	case KindTimeout:
		return exoerrors.CodeTimeout
	case KindUnauthorized:
		return exoerrors.CodeUnauthorized
	case KindInvalidResponse:
		return exoerrors.CodeInvalidResponse
	default:
		return exoerrors.CodeLLMError
	}
}

// Transient reports whether the failure is expected to clear on its own.
func (e *ProviderError) Transient() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// NewProviderError builds a ProviderError.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// StatusError builds a ProviderError from an HTTP status code.
func StatusError(provider string, status int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       KindFromStatus(status),
		StatusCode: status,
		Message:    body,
	}
}

// KindFromStatus maps an HTTP status code to an ErrorKind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTimeout
	default:
		return KindInvalidResponse
	}
}

// AsProviderError returns the ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a ProviderError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Kind == kind
}

// IsRetryable reports whether a failed provider call may be attempted again.
// Transient kinds are retried; InvalidResponse is retried within the same
// bounded budget; Unauthorized and cancellation never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	pe, ok := AsProviderError(err)
	if !ok {
		return false
	}
	return pe.Kind != KindUnauthorized
}

// Classify converts an arbitrary provider failure into a ProviderError.
// Existing ProviderErrors pass through. Context cancellation and routing
// errors are returned unchanged so callers can surface them as such.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := AsProviderError(err); ok {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrUnknownRoute) {
		return err
	}
	switch exoerrors.CodeOf(err) {
	case exoerrors.CodeTimeout, exoerrors.CodeCircuitOpen:
		return NewProviderError(provider, KindTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(provider, KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewProviderError(provider, KindTimeout, err)
	}
	return NewProviderError(provider, KindInvalidResponse, err)
}
