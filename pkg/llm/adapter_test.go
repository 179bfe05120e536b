package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/exo/pkg/resilience"
)

func fastRetry(max int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: max, InitialDelay: time.Millisecond}
}

func TestAdapterRetriesRateLimitThenSucceeds(t *testing.T) {
	p := NewScript(
		Fail(NewProviderError("mock", KindRateLimited, nil)),
		Fail(NewProviderError("mock", KindRateLimited, nil)),
		Reply("ok"),
	)
	var delays []time.Duration
	a := NewAdapter(p,
		WithProviderName("mock"),
		WithRetry(fastRetry(3)),
		WithRetryHook(func(attempt int, d time.Duration, err error) {
			delays = append(delays, d)
		}),
	)

	resp, err := a.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected 'ok', got %q", resp.Content)
	}
	if len(delays) != 2 {
		t.Fatalf("expected exactly 2 retries, got %d", len(delays))
	}
	if delays[1] <= delays[0] {
		t.Errorf("expected increasing delays, got %v", delays)
	}
	if p.CallCount() != 3 {
		t.Errorf("expected 3 provider calls, got %d", p.CallCount())
	}
}

func TestAdapterDoesNotRetryUnauthorized(t *testing.T) {
	p := NewScript(Fail(StatusError("mock", 401, "bad key")), Reply("never"))
	a := NewAdapter(p, WithRetry(fastRetry(3)))

	_, err := a.Chat(context.Background(), ChatRequest{})
	if !IsKind(err, KindUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", p.CallCount())
	}
}

func TestAdapterExhaustsRetries(t *testing.T) {
	p := &MockProvider{Err: NewProviderError("mock", KindTimeout, nil)}
	a := NewAdapter(p, WithRetry(fastRetry(3)))

	_, err := a.Chat(context.Background(), ChatRequest{})
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout after exhausting retries, got %v", err)
	}
	if p.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", p.Calls())
	}
}

func TestAdapterCallTimeout(t *testing.T) {
	p := NewScript(Step{Content: "late", Delay: time.Second})
	a := NewAdapter(p, WithRetry(fastRetry(1)), WithCallTimeout(20*time.Millisecond))

	_, err := a.Chat(context.Background(), ChatRequest{})
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestAdapterEmptyResponseIsInvalid(t *testing.T) {
	p := &MockProvider{Response: ""}
	a := NewAdapter(p, WithRetry(fastRetry(2)))

	_, err := a.Chat(context.Background(), ChatRequest{})
	if !IsKind(err, KindInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
	if p.Calls() != 2 {
		t.Errorf("expected invalid response to be retried within budget, got %d calls", p.Calls())
	}
}

func TestAdapterTextProtocolRetriesMalformedCall(t *testing.T) {
	p := NewScriptedMockProvider(
		"USE_TOOL: echo\nPARAMETERS: [1, 2]",
		"USE_TOOL: echo\nPARAMETERS: {\"text\": \"hi\"}",
	)
	a := NewAdapter(p, WithRetry(fastRetry(3)), WithTextToolProtocol())

	resp, err := a.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.CallCount() != 2 || !strings.Contains(resp.Content, `"hi"`) {
		t.Fatalf("calls = %d, content = %q", p.CallCount(), resp.Content)
	}

	plain := NewAdapter(NewScriptedMockProvider("USE_TOOL: echo\nPARAMETERS: [1, 2]"), WithRetry(fastRetry(3)))
	if _, err := plain.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("without the protocol the content is a plain answer, got %v", err)
	}
}

func TestAdapterCancellation(t *testing.T) {
	p := NewScript(Step{Content: "late", Delay: time.Second})
	a := NewAdapter(p, WithRetry(fastRetry(3)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := a.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("expected no retry after cancellation, got %d calls", p.CallCount())
	}
}

func TestAdapterBreakerOpens(t *testing.T) {
	p := &MockProvider{Err: NewProviderError("mock", KindTimeout, nil)}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		Counts:           BreakerCounts,
	})
	a := NewAdapter(p, WithRetry(fastRetry(4)), WithBreaker(cb))

	_, err := a.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if cb.State() != resilience.StateOpen {
		t.Fatalf("expected breaker to open")
	}
	if p.Calls() != 2 {
		t.Errorf("expected breaker to stop provider calls after 2, got %d", p.Calls())
	}
	if !IsKind(err, KindTimeout) {
		t.Errorf("expected open breaker to surface as timeout kind, got %v", err)
	}
}

func TestBreakerCounts(t *testing.T) {
	if BreakerCounts(NewProviderError("p", KindUnauthorized, nil)) {
		t.Errorf("unauthorized must not trip the breaker")
	}
	if !BreakerCounts(NewProviderError("p", KindRateLimited, nil)) {
		t.Errorf("rate limiting must trip the breaker")
	}
	if BreakerCounts(context.Canceled) {
		t.Errorf("cancellation must not trip the breaker")
	}
}
