// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package exotest

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jllopis/exo/pkg/agent"
	"github.com/jllopis/exo/pkg/core"
	exoerrors "github.com/jllopis/exo/pkg/errors"
)

// Expectation is a condition checked after a scenario runs.
type Expectation interface {
	Check(r *ScenarioResult) error
	Description() string
}

// StringMatcher matches the answer or an error message.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

// Contains matches strings containing substr.
func Contains(substr string) StringMatcher {
	return matcher{desc: fmt.Sprintf("contains %q", substr), fn: func(s string) bool { return strings.Contains(s, substr) }}
}

// Equals matches expected exactly.
func Equals(expected string) StringMatcher {
	return matcher{desc: fmt.Sprintf("equals %q", expected), fn: func(s string) bool { return s == expected }}
}

// HasPrefix matches strings starting with prefix.
func HasPrefix(prefix string) StringMatcher {
	return matcher{desc: fmt.Sprintf("has prefix %q", prefix), fn: func(s string) bool { return strings.HasPrefix(s, prefix) }}
}

// Regex matches strings against pattern. It panics if pattern is invalid.
func Regex(pattern string) StringMatcher {
	re := regexp.MustCompile(pattern)
	return matcher{desc: fmt.Sprintf("matches regex %q", pattern), fn: re.MatchString}
}

type matcher struct {
	desc string
	fn   func(string) bool
}

func (m matcher) Match(s string) bool { return m.fn(s) }
func (m matcher) Description() string { return m.desc }

// ExpectationFunc adapts a function to Expectation.
type ExpectationFunc struct {
	Desc string
	Fn   func(r *ScenarioResult) error
}

// Check implements Expectation.
func (e ExpectationFunc) Check(r *ScenarioResult) error { return e.Fn(r) }

// Description implements Expectation.
func (e ExpectationFunc) Description() string { return e.Desc }

// ExpectOutput requires the answer to match m.
func (s *Scenario) ExpectOutput(m StringMatcher) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: "output " + m.Description(),
		Fn: func(r *ScenarioResult) error {
			if !m.Match(r.Output()) {
				return fmt.Errorf("output %q does not match: %s", r.Output(), m.Description())
			}
			return nil
		},
	})
}

// ExpectNoError requires the run to return no error.
func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: "no error",
		Fn: func(r *ScenarioResult) error {
			if r.Error != nil {
				return fmt.Errorf("got: %v", r.Error)
			}
			return nil
		},
	})
}

// ExpectError requires an error whose message matches m.
func (s *Scenario) ExpectError(m StringMatcher) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: "error " + m.Description(),
		Fn: func(r *ScenarioResult) error {
			if r.Error == nil {
				return errors.New("got nil")
			}
			if !m.Match(r.Error.Error()) {
				return fmt.Errorf("error %q does not match: %s", r.Error, m.Description())
			}
			return nil
		},
	})
}

// ExpectErrorCode requires an error carrying code.
func (s *Scenario) ExpectErrorCode(code exoerrors.ErrorCode) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: fmt.Sprintf("error code %s", code),
		Fn: func(r *ScenarioResult) error {
			if got := exoerrors.CodeOf(r.Error); got != code {
				return fmt.Errorf("got code %q (%v)", got, r.Error)
			}
			return nil
		},
	})
}

// ExpectToolCall requires the model to have called name.
func (s *Scenario) ExpectToolCall(name string) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: fmt.Sprintf("tool %q called", name),
		Fn: func(r *ScenarioResult) error {
			if !slices.Contains(toolNames(r), name) {
				return fmt.Errorf("tool %q was not called (calls: %v)", name, toolNames(r))
			}
			return nil
		},
	})
}

// ExpectNoToolCalls requires a run without tool calls.
func (s *Scenario) ExpectNoToolCalls() *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: "no tool calls",
		Fn: func(r *ScenarioResult) error {
			if names := toolNames(r); len(names) > 0 {
				return fmt.Errorf("got: %v", names)
			}
			return nil
		},
	})
}

// ExpectIterations requires exactly n tool executions.
func (s *Scenario) ExpectIterations(n int) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: fmt.Sprintf("%d iterations", n),
		Fn: func(r *ScenarioResult) error {
			if r.Result == nil {
				return errors.New("no result")
			}
			if r.Result.Iterations != n {
				return fmt.Errorf("got %d", r.Result.Iterations)
			}
			return nil
		},
	})
}

// ExpectStopReason requires the run to end for reason.
func (s *Scenario) ExpectStopReason(reason agent.StopReason) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: fmt.Sprintf("stop reason %s", reason),
		Fn: func(r *ScenarioResult) error {
			if r.Result == nil {
				return errors.New("no result")
			}
			if r.Result.StopReason != reason {
				return fmt.Errorf("got %s", r.Result.StopReason)
			}
			return nil
		},
	})
}

// ExpectDegraded requires the answer to come from the fallback.
func (s *Scenario) ExpectDegraded() *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: "degraded answer",
		Fn: func(r *ScenarioResult) error {
			if r.Result == nil || !r.Result.Degraded {
				return errors.New("answer was not degraded")
			}
			return nil
		},
	})
}

// ExpectEvent requires an event of type t among the collected events.
func (s *Scenario) ExpectEvent(t core.EventType) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: fmt.Sprintf("event %q emitted", t),
		Fn: func(r *ScenarioResult) error {
			for _, ev := range r.Events {
				if ev.Type == t {
					return nil
				}
			}
			return fmt.Errorf("event %q was not emitted", t)
		},
	})
}

// ExpectMaxDuration requires the run to finish within d.
func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(ExpectationFunc{
		Desc: fmt.Sprintf("duration <= %v", d),
		Fn: func(r *ScenarioResult) error {
			if r.Duration > d {
				return fmt.Errorf("took %v", r.Duration)
			}
			return nil
		},
	})
}

func toolNames(r *ScenarioResult) []string {
	if r.Result == nil {
		return nil
	}
	names := make([]string, 0, len(r.Result.ToolCalls))
	for _, tc := range r.Result.ToolCalls {
		names = append(names, tc.Function.Name)
	}
	return names
}
