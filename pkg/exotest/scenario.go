// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package exotest provides declarative scenarios for testing agents.
//
// A scenario sends one prompt to an agent and checks the Result against a
// list of expectations:
//
//	provider := llm.NewScript(llm.CallTool("lookup", args), llm.Reply("done"))
//	ag, _ := agent.New(provider, agent.WithTools(lookup))
//
//	exotest.NewScenario("lookup then answer").
//	    WithInput("find it").
//	    ExpectNoError().
//	    ExpectToolCall("lookup").
//	    ExpectOutput(exotest.Equals("done")).
//	    Run(t, ag).
//	    Assert(t)
package exotest

import (
	"context"
	"testing"
	"time"

	"github.com/jllopis/exo/pkg/agent"
	"github.com/jllopis/exo/pkg/core"
)

// Runner is what a scenario drives. *agent.Agent implements it.
type Runner interface {
	Act(ctx context.Context, prompt string) (*agent.Result, error)
}

// Scenario defines one agent interaction and what must hold afterwards.
type Scenario struct {
	name          string
	input         string
	context       context.Context
	timeout       time.Duration
	recorder      *core.EventRecorder
	expectations  []Expectation
	setupFuncs    []func() error
	teardownFuncs []func() error
}

// ScenarioResult is the outcome of running a scenario.
type ScenarioResult struct {
	Name     string
	Result   *agent.Result
	Error    error
	Events   []core.Event
	Duration time.Duration

	expectations []Expectation
}

// Output returns the answer, or "" when the run returned no Result.
func (r *ScenarioResult) Output() string {
	if r.Result == nil {
		return ""
	}
	return r.Result.Content
}

// NewScenario creates a scenario with a 30 second timeout.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:    name,
		timeout: 30 * time.Second,
		context: context.Background(),
	}
}

// WithInput sets the prompt.
func (s *Scenario) WithInput(input string) *Scenario {
	s.input = input
	return s
}

// WithContext sets the parent context of the run.
func (s *Scenario) WithContext(ctx context.Context) *Scenario {
	s.context = ctx
	return s
}

// WithTimeout bounds the run.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// WithEvents collects the events the agent emits into rec. Pass the same
// recorder to agent.WithEventEmitter.
func (s *Scenario) WithEvents(rec *core.EventRecorder) *Scenario {
	s.recorder = rec
	return s
}

// WithSetup adds a function to run before the prompt is sent.
func (s *Scenario) WithSetup(fn func() error) *Scenario {
	s.setupFuncs = append(s.setupFuncs, fn)
	return s
}

// WithTeardown adds a function to run after the prompt completes.
func (s *Scenario) WithTeardown(fn func() error) *Scenario {
	s.teardownFuncs = append(s.teardownFuncs, fn)
	return s
}

// Expect adds an expectation.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// Run sends the prompt to r and records the outcome. Setup failures stop
// the test; expectations are checked by Assert.
func (s *Scenario) Run(t testing.TB, r Runner) *ScenarioResult {
	t.Helper()

	for _, setup := range s.setupFuncs {
		if err := setup(); err != nil {
			t.Fatalf("scenario %q setup failed: %v", s.name, err)
		}
	}
	defer func() {
		for _, teardown := range s.teardownFuncs {
			if err := teardown(); err != nil {
				t.Errorf("scenario %q teardown failed: %v", s.name, err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(s.context, s.timeout)
	defer cancel()

	var before int
	if s.recorder != nil {
		before = len(s.recorder.Events())
	}

	start := time.Now()
	res, err := r.Act(ctx, s.input)
	result := &ScenarioResult{
		Name:         s.name,
		Result:       res,
		Error:        err,
		Duration:     time.Since(start),
		expectations: s.expectations,
	}
	if s.recorder != nil {
		result.Events = s.recorder.Events()[before:]
	}
	return result
}

// Assert reports every failed expectation to t.
func (r *ScenarioResult) Assert(t testing.TB) {
	t.Helper()
	for _, err := range r.Check() {
		t.Errorf("scenario %q: %v", r.Name, err)
	}
}

// Check returns one error per failed expectation.
func (r *ScenarioResult) Check() []error {
	var errs []error
	for _, exp := range r.expectations {
		if err := exp.Check(r); err != nil {
			errs = append(errs, &ExpectationError{Expectation: exp.Description(), Err: err})
		}
	}
	return errs
}

// ExpectationError names the expectation that failed.
type ExpectationError struct {
	Expectation string
	Err         error
}

func (e *ExpectationError) Error() string {
	return "expectation " + e.Expectation + " failed: " + e.Err.Error()
}

func (e *ExpectationError) Unwrap() error { return e.Err }
