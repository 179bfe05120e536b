package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/exo/pkg/resilience"
	"github.com/jllopis/exo/pkg/telemetry"
)

// Adapter wraps a Provider with a per-call timeout, bounded retries of
// retryable failures, an optional circuit breaker and tracing. Every error it
// returns is either a *ProviderError or the caller's context error.
type Adapter struct {
	provider Provider
	name     string
	timeout  time.Duration
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	logger   *slog.Logger
	tracer   trace.Tracer
	onRetry  func(attempt int, delay time.Duration, err error)
	// textProtocol makes a malformed text tool call a retryable
	// InvalidResponse.
	textProtocol bool
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithProviderName sets the name used in errors, logs and spans.
func WithProviderName(name string) AdapterOption {
	return func(a *Adapter) { a.name = name }
}

// WithCallTimeout bounds each provider call. Zero disables the bound.
func WithCallTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// WithRetry sets the retry policy for provider calls.
func WithRetry(rc resilience.RetryConfig) AdapterOption {
	return func(a *Adapter) { a.retry = rc }
}

// WithBreaker guards provider calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) AdapterOption {
	return func(a *Adapter) { a.breaker = cb }
}

// WithAdapterLogger sets the logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithRetryHook registers a callback invoked before each retry.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) AdapterOption {
	return func(a *Adapter) { a.onRetry = fn }
}

// WithTextToolProtocol validates text protocol tool calls as part of each
// attempt, so malformed parameters use the retry budget.
func WithTextToolProtocol() AdapterOption {
	return func(a *Adapter) { a.textProtocol = true }
}

// NewAdapter wraps p.
func NewAdapter(p Provider, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		provider: p,
		name:     "provider",
		timeout:  60 * time.Second,
		retry:    resilience.DefaultRetryConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("exo/llm"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider name.
func (a *Adapter) Name() string { return a.name }

// Chat implements Provider.
func (a *Adapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := a.tracer.Start(ctx, "Provider.Chat")
	defer span.End()
	span.SetAttributes(telemetry.ProviderCall{
		Provider:    a.name,
		Model:       req.Model,
		Messages:    len(req.Messages),
		Temperature: req.Options.Temperature,
	}.Attributes()...)

	rc := a.retry.WithIsRecoverable(IsRetryable)
	userHook := rc.OnRetry
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.logger.WarnContext(ctx, "llm.chat.retry",
			slog.String("provider", a.name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if userHook != nil {
			userHook(attempt, delay, err)
		}
		if a.onRetry != nil {
			a.onRetry(attempt, delay, err)
		}
	}

	attempts := 0
	start := time.Now()
	resp, err := resilience.Retry(ctx, rc, func(ctx context.Context) (*ChatResponse, error) {
		attempts++
		return a.once(ctx, req)
	})
	span.SetAttributes(telemetry.KeyAttempts.Int(attempts))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if pe, ok := AsProviderError(err); ok {
			span.SetAttributes(telemetry.KeyErrorKind.String(string(pe.Kind)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(telemetry.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		ToolCalls:    len(resp.ToolCalls),
		Duration:     time.Since(start),
	}.Attributes()...)
	return resp, nil
}

func (a *Adapter) once(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	call := func(ctx context.Context) (*ChatResponse, error) {
		return resilience.WithTimeout(ctx, a.timeout, func(ctx context.Context) (*ChatResponse, error) {
			return a.provider.Chat(ctx, req)
		})
	}

	var resp *ChatResponse
	var err error
	if a.breaker != nil {
		err = a.breaker.Call(ctx, func(ctx context.Context) error {
			var callErr error
			resp, callErr = call(ctx)
			return Classify(a.name, callErr)
		})
	} else {
		resp, err = call(ctx)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Classify(a.name, err)
	}
	if resp == nil || (resp.Content == "" && len(resp.ToolCalls) == 0) {
		return nil, &ProviderError{Provider: a.name, Kind: KindInvalidResponse, Message: "empty response"}
	}
	if a.textProtocol {
		if _, err := ResolveToolCall(resp, true); err != nil {
			return nil, Classify(a.name, err)
		}
	}
	return resp, nil
}

// BreakerCounts is a circuit breaker failure filter that ignores failures
// caused by the request itself.
func BreakerCounts(err error) bool {
	pe, ok := AsProviderError(err)
	if !ok {
		return !errors.Is(err, context.Canceled)
	}
	return pe.Transient()
}
