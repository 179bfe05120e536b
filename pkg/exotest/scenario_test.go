package exotest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/exo/pkg/agent"
	"github.com/jllopis/exo/pkg/core"
	exoerrors "github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/exotest"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/tool"
)

func newAgent(t *testing.T, provider llm.Provider, opts ...agent.Option) *agent.Agent {
	t.Helper()
	lookup := tool.New(tool.Spec{
		Name: "lookup",
		Params: map[string]tool.Param{
			"q": {Type: tool.TypeString, Required: true},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return "found " + args["q"].(string), nil
	})
	opts = append([]agent.Option{
		agent.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		agent.WithTools(lookup),
	}, opts...)
	ag, err := agent.New(provider, opts...)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return ag
}

func TestScenarioFinalAnswer(t *testing.T) {
	rec := &core.EventRecorder{}
	ag := newAgent(t, llm.NewScript(llm.Reply("Hello, World!")), agent.WithEventEmitter(rec))

	exotest.NewScenario("greeting").
		WithInput("Hi").
		WithEvents(rec).
		ExpectNoError().
		ExpectOutput(exotest.Contains("Hello")).
		ExpectOutput(exotest.HasPrefix("Hello,")).
		ExpectOutput(exotest.Regex(`World!$`)).
		ExpectNoToolCalls().
		ExpectIterations(0).
		ExpectStopReason(agent.StopFinalAnswer).
		ExpectEvent(core.EventRunStarted).
		ExpectEvent(core.EventRunCompleted).
		ExpectMaxDuration(5*time.Second).
		Run(t, ag).
		Assert(t)
}

func TestScenarioToolCall(t *testing.T) {
	provider := llm.NewScript(
		llm.CallTool("lookup", map[string]any{"q": "keys"}),
		llm.Reply("done"),
	)
	exotest.NewScenario("lookup then answer").
		WithInput("where are my keys").
		ExpectNoError().
		ExpectToolCall("lookup").
		ExpectIterations(1).
		ExpectOutput(exotest.Equals("done")).
		Run(t, newAgent(t, provider)).
		Assert(t)
}

func TestScenarioFallback(t *testing.T) {
	provider := llm.NewScript(llm.Fail(llm.NewProviderError("mock", llm.KindUnauthorized, nil)))
	exotest.NewScenario("bad credentials").
		WithInput("hi").
		ExpectNoError().
		ExpectDegraded().
		ExpectStopReason(agent.StopFallback).
		Run(t, newAgent(t, provider)).
		Assert(t)
}

func TestScenarioStrictError(t *testing.T) {
	provider := llm.NewScript(llm.Fail(llm.NewProviderError("mock", llm.KindUnauthorized, nil)))
	exotest.NewScenario("strict").
		WithInput("hi").
		ExpectErrorCode(exoerrors.CodeUnauthorized).
		ExpectError(exotest.Contains("unauthorized")).
		Run(t, newAgent(t, provider, agent.WithStrict(true))).
		Assert(t)
}

func TestScenarioReportsFailedExpectations(t *testing.T) {
	result := exotest.NewScenario("mismatch").
		WithInput("Hi").
		ExpectOutput(exotest.Equals("something else")).
		ExpectToolCall("lookup").
		ExpectError(exotest.Contains("boom")).
		ExpectNoError().
		Run(t, newAgent(t, llm.NewScript(llm.Reply("Hello"))))

	errs := result.Check()
	if len(errs) != 3 {
		t.Fatalf("expected 3 failed expectations, got %d: %v", len(errs), errs)
	}
	var ee *exotest.ExpectationError
	if !errors.As(errs[0], &ee) || !strings.Contains(ee.Expectation, "something else") {
		t.Errorf("unexpected first failure %v", errs[0])
	}
}

type slowRunner struct{}

func (slowRunner) Act(ctx context.Context, _ string) (*agent.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestScenarioTimeout(t *testing.T) {
	result := exotest.NewScenario("slow").
		WithTimeout(10*time.Millisecond).
		ExpectError(exotest.Contains("deadline exceeded")).
		Run(t, slowRunner{})
	result.Assert(t)
	if result.Output() != "" {
		t.Errorf("expected empty output, got %q", result.Output())
	}
}

func TestScenarioSetupAndTeardown(t *testing.T) {
	var order []string
	exotest.NewScenario("hooks").
		WithInput("Hi").
		WithSetup(func() error { order = append(order, "setup"); return nil }).
		WithTeardown(func() error { order = append(order, "teardown"); return nil }).
		Run(t, newAgent(t, llm.NewScript(llm.Reply("ok"))))

	if strings.Join(order, ",") != "setup,teardown" {
		t.Errorf("unexpected hook order %v", order)
	}
}

func TestScenarioEventsAreScopedToTheRun(t *testing.T) {
	rec := &core.EventRecorder{}
	ag := newAgent(t, llm.NewScript(llm.Reply("one"), llm.Reply("two")), agent.WithEventEmitter(rec))

	first := exotest.NewScenario("first").WithInput("a").WithEvents(rec).Run(t, ag)
	second := exotest.NewScenario("second").WithInput("b").WithEvents(rec).Run(t, ag)

	if len(first.Events) == 0 || len(second.Events) != len(first.Events) {
		t.Fatalf("events: first=%d second=%d", len(first.Events), len(second.Events))
	}
	if first.Events[0].RunID == second.Events[0].RunID {
		t.Error("second scenario saw events of the first run")
	}
}
