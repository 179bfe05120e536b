// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/exo/pkg/errors"
)

func manualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	r := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(r)))
	return r
}

// points returns the int64 data points of the named instrument.
func points(t *testing.T, r *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch d := m.Data.(type) {
			case metricdata.Sum[int64]:
				return d.DataPoints
			case metricdata.Gauge[int64]:
				return d.DataPoints
			}
		}
	}
	return nil
}

func valueWith(dps []metricdata.DataPoint[int64], key, value string) (int64, bool) {
	for _, dp := range dps {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestErrorMetricsRecordError(t *testing.T) {
	r := manualReader(t)
	em, err := NewErrorMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewErrorMetrics: %v", err)
	}
	ctx := context.Background()

	em.RecordError(ctx, errors.New(errors.CodeToolFailure, "tool failed", nil), "tool")
	em.RecordError(ctx, errors.New(errors.CodeToolFailure, "tool failed again", nil), "tool")
	em.RecordError(ctx, stderrors.New("generic"), "agent")
	em.RecordError(ctx, nil, "agent")

	dps := points(t, r, MetricErrors)
	if got, _ := valueWith(dps, attrErrorCode, string(errors.CodeToolFailure)); got != 2 {
		t.Errorf("tool failures = %d, want 2", got)
	}
	if got, _ := valueWith(dps, attrErrorCode, string(errors.CodeInternal)); got != 1 {
		t.Errorf("internal errors = %d, want 1", got)
	}

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordError(ctx, stderrors.New("ignored"), "agent")
	nilMetrics.RecordRecovery(ctx, errors.CodeTimeout)
	nilMetrics.RecordBreakerState(ctx, "llm.mock", 0)
}

func TestErrorMetricsRecoveryAndBreaker(t *testing.T) {
	r := manualReader(t)
	em, err := NewErrorMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewErrorMetrics: %v", err)
	}
	ctx := context.Background()

	em.RecordRecovery(ctx, errors.CodeRateLimit)
	em.RecordBreakerState(ctx, "llm.openai", 2)
	em.RecordBreakerState(ctx, "llm.openai", 0)

	if got, ok := valueWith(points(t, r, MetricRecoveries), attrErrorCode, string(errors.CodeRateLimit)); !ok || got != 1 {
		t.Errorf("recoveries = %d (%v)", got, ok)
	}
	if got, ok := valueWith(points(t, r, MetricBreakerState), attrBreaker, "llm.openai"); !ok || got != 0 {
		t.Errorf("breaker gauge = %d (%v), want last value 0", got, ok)
	}
}

func TestAgentMetricsInstruments(t *testing.T) {
	r := manualReader(t)
	am, err := NewAgentMetrics()
	if err != nil {
		t.Fatalf("NewAgentMetrics: %v", err)
	}
	ctx := context.Background()
	am.Runs.Add(ctx, 1)
	am.Iterations.Record(ctx, 3)
	am.ToolCalls.Add(ctx, 2)
	am.ProviderRetries.Add(ctx, 1)
	am.Fallbacks.Add(ctx, 1)

	for name, want := range map[string]int64{MetricRuns: 1, MetricToolCalls: 2, MetricRetries: 1, MetricFallbacks: 1} {
		dps := points(t, r, name)
		if len(dps) != 1 || dps[0].Value != want {
			t.Errorf("%s = %v, want %d", name, dps, want)
		}
	}
}

func TestErrorMetricsConcurrent(t *testing.T) {
	r := manualReader(t)
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				em.RecordError(ctx, errors.New(errors.CodeLLMError, "model overloaded", nil), "provider")
				em.RecordBreakerState(ctx, "llm", int64(j%3))
			}
		}()
	}
	wg.Wait()

	if got, _ := valueWith(points(t, r, MetricErrors), attrComponent, "provider"); got != 30 {
		t.Errorf("errors = %d, want 30", got)
	}
}
