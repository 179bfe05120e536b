// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/exo/pkg/errors"
)

// Instrument names.
const (
	MetricErrors       = "exo.errors.total"
	MetricRecoveries   = "exo.errors.recovered"
	MetricBreakerState = "exo.circuitbreaker.state"
	MetricRuns         = "exo.agent.runs"
	MetricIterations   = "exo.agent.iterations"
	MetricToolCalls    = "exo.tool.calls"
	MetricRetries      = "exo.provider.retries"
	MetricFallbacks    = "exo.agent.fallbacks"
)

const (
	attrErrorCode   = "error.code"
	attrComponent   = "component"
	attrRecoverable = "recoverable"
	attrBreaker     = "breaker"
)

// ErrorMetrics counts failures by code and component, the failures the agent
// recovered from, and the state of circuit breakers. A nil *ErrorMetrics
// records nothing.
type ErrorMetrics struct {
	errors     metric.Int64Counter
	recoveries metric.Int64Counter
	breaker    metric.Int64Gauge
}

// NewErrorMetrics registers the error instruments on the global meter provider.
func NewErrorMetrics(context.Context) (*ErrorMetrics, error) {
	meter := otel.Meter("exo/errors")
	var (
		em  ErrorMetrics
		err error
	)
	if em.errors, err = meter.Int64Counter(MetricErrors, metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if em.recoveries, err = meter.Int64Counter(MetricRecoveries, metric.WithDescription("Failures answered by the fallback, by code")); err != nil {
		return nil, err
	}
	if em.breaker, err = meter.Int64Gauge(MetricBreakerState, metric.WithDescription("Circuit breaker state (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	return &em, nil
}

// RecordError counts err under its code and the component that produced it
// (provider, tool, memory, agent).
func (em *ErrorMetrics) RecordError(ctx context.Context, err error, component string) {
	if em == nil || err == nil {
		return
	}
	em.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrErrorCode, string(errors.CodeOf(err))),
		attribute.String(attrComponent, component),
		attribute.Bool(attrRecoverable, errors.IsRecoverable(err)),
	))
}

// RecordRecovery counts a failure with code that was answered by a fallback.
func (em *ErrorMetrics) RecordRecovery(ctx context.Context, code errors.ErrorCode) {
	if em == nil {
		return
	}
	em.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String(attrErrorCode, string(code))))
}

// RecordBreakerState records the gauge level of the named breaker.
func (em *ErrorMetrics) RecordBreakerState(ctx context.Context, breaker string, level int64) {
	if em == nil {
		return
	}
	em.breaker.Record(ctx, level, metric.WithAttributes(attribute.String(attrBreaker, breaker)))
}

// AgentMetrics are the instruments recorded by the agent loop and the
// provider adapter.
type AgentMetrics struct {
	Runs            metric.Int64Counter
	Iterations      metric.Int64Histogram
	ToolCalls       metric.Int64Counter
	ProviderRetries metric.Int64Counter
	Fallbacks       metric.Int64Counter
}

// NewAgentMetrics registers the agent instruments on the global meter provider.
func NewAgentMetrics() (*AgentMetrics, error) {
	meter := otel.Meter("exo/agent")
	var (
		m   AgentMetrics
		err error
	)
	if m.Runs, err = meter.Int64Counter(MetricRuns, metric.WithDescription("Agent runs by final state")); err != nil {
		return nil, err
	}
	if m.Iterations, err = meter.Int64Histogram(MetricIterations, metric.WithDescription("Tool executions per run")); err != nil {
		return nil, err
	}
	if m.ToolCalls, err = meter.Int64Counter(MetricToolCalls, metric.WithDescription("Tool invocations by tool and outcome")); err != nil {
		return nil, err
	}
	if m.ProviderRetries, err = meter.Int64Counter(MetricRetries, metric.WithDescription("Provider call retries by error kind")); err != nil {
		return nil, err
	}
	if m.Fallbacks, err = meter.Int64Counter(MetricFallbacks, metric.WithDescription("Runs answered by the fallback")); err != nil {
		return nil, err
	}
	return &m, nil
}
