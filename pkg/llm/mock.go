package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// mockUsage is what both mocks report for every successful call.
var mockUsage = Usage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 20}

// MockProvider answers every request the same way. ChatFunc, when set,
// takes over entirely.
type MockProvider struct {
	Response  string
	ToolCalls []ToolCall
	Err       error
	ChatFunc  func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	calls atomic.Int64
}

func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.calls.Add(1)
	switch {
	case m.ChatFunc != nil:
		return m.ChatFunc(ctx, req)
	case m.Err != nil:
		return nil, m.Err
	}
	return &ChatResponse{Content: m.Response, ToolCalls: append([]ToolCall(nil), m.ToolCalls...), Usage: mockUsage}, nil
}

func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// Step is one scripted turn. Err wins over Content and ToolCall; Delay is
// waited first and aborts on ctx.
type Step struct {
	Content  string
	ToolCall *ToolCall
	Err      error
	Delay    time.Duration
}

func Reply(content string) Step { return Step{Content: content} }

// CallTool requests name with args encoded as JSON.
func CallTool(name string, args map[string]any) Step {
	raw, _ := json.Marshal(args)
	return Step{ToolCall: &ToolCall{
		Type:     ToolTypeFunction,
		Function: FunctionCall{Name: name, Arguments: string(raw)},
	}}
}

func Fail(err error) Step { return Step{Err: err} }

// ErrScriptExhausted is returned once every step has been played and
// Repeat is off.
var ErrScriptExhausted = errors.New("scripted mock: no more responses available")

// ScriptedMockProvider plays steps in order and records every request, for
// driving the agent loop turn by turn.
type ScriptedMockProvider struct {
	// Repeat replays the last step once the script runs out.
	Repeat bool

	mu       sync.Mutex
	steps    []Step
	last     *Step
	requests []ChatRequest
}

// NewScriptedMockProvider scripts one text reply per response.
func NewScriptedMockProvider(responses ...string) *ScriptedMockProvider {
	s := &ScriptedMockProvider{}
	for _, r := range responses {
		s.steps = append(s.steps, Reply(r))
	}
	return s
}

func NewScript(steps ...Step) *ScriptedMockProvider {
	return &ScriptedMockProvider{steps: steps}
}

func (s *ScriptedMockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	step, n, ok := s.next(req)
	if !ok {
		return nil, ErrScriptExhausted
	}
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	resp := &ChatResponse{Content: step.Content, Usage: mockUsage}
	if step.ToolCall != nil {
		call := *step.ToolCall
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", n)
		}
		resp.ToolCalls = []ToolCall{call}
	}
	return resp, nil
}

// next records req and pops the step to play along with the 1-based call
// number.
func (s *ScriptedMockProvider) next(req ChatRequest) (Step, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Messages = append([]Message(nil), req.Messages...)
	req.Tools = append([]Tool(nil), req.Tools...)
	s.requests = append(s.requests, req)
	n := len(s.requests)

	if len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		s.last = &step
		return step, n, true
	}
	if s.Repeat && s.last != nil {
		return *s.last, n, true
	}
	return Step{}, n, false
}

func (s *ScriptedMockProvider) AddResponse(response string) { s.AddStep(Reply(response)) }

func (s *ScriptedMockProvider) AddStep(step Step) {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
}

func (s *ScriptedMockProvider) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the requests received so far, oldest first.
func (s *ScriptedMockProvider) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatRequest(nil), s.requests...)
}

func (s *ScriptedMockProvider) LastRequest() (ChatRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return ChatRequest{}, false
	}
	return s.requests[len(s.requests)-1], true
}
