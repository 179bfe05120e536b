// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jllopis/exo/pkg/llm"
)

func TestNewProvider(t *testing.T) {
	if p := New(); p.Model() != DefaultModel {
		t.Errorf("expected model %s, got %s", DefaultModel, p.Model())
	}
	if p := New(WithModel("gpt-4-turbo")); p.Model() != "gpt-4-turbo" {
		t.Errorf("expected model gpt-4-turbo, got %s", p.Model())
	}
	if p := New(WithModel("")); p.Model() != DefaultModel {
		t.Errorf("empty model should keep the default, got %s", p.Model())
	}
}

func newTestProvider(t *testing.T, h http.HandlerFunc, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(append([]Option{WithBaseURL(srv.URL), WithAPIKey("test-key")}, opts...)...)
}

func TestChatMapsRequestAndResponse(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad body: %v", err)
		}
		if body["model"] != "gpt-test" || body["temperature"] != 0.2 || body["max_completion_tokens"] != float64(64) || body["top_p"] != 0.9 {
			t.Errorf("options not mapped: %v", body)
		}
		if tools, _ := body["tools"].([]any); len(tools) != 1 {
			t.Errorf("expected one tool, got %v", body["tools"])
		}
		if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
			t.Errorf("expected two messages, got %v", body["messages"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"location\":\"Paris\"}"}}]}}],
			"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	})

	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model: "gpt-test",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are helpful"},
			{Role: llm.RoleUser, Content: "Weather in Paris?"},
		},
		Tools:   []llm.Tool{weatherTool()},
		Options: llm.Options{Temperature: 0.2, MaxTokens: 64, TopP: 0.9},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	call, ok := resp.ToolCall()
	if !ok || call.ID != "call_1" || call.Function.Name != "get_weather" || call.Function.Arguments != `{"location":"Paris"}` {
		t.Fatalf("unexpected tool call %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("usage not mapped: %+v", resp.Usage)
	}
}

func TestChatClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   llm.ErrorKind
	}{
		{http.StatusUnauthorized, llm.KindUnauthorized},
		{http.StatusTooManyRequests, llm.KindRateLimited},
		{http.StatusGatewayTimeout, llm.KindTimeout},
		{http.StatusBadRequest, llm.KindInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})
			_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
			pe, ok := llm.AsProviderError(err)
			if !ok {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.Kind != tt.kind || pe.StatusCode != tt.status || pe.Provider != Name {
				t.Fatalf("unexpected error %+v", pe)
			}
		})
	}
}

func TestChatReturnsRefusalAsContent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("OpenAI-Organization"); got != "org-exo" {
			t.Errorf("organization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c2","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"","refusal":"I can't help with that."}}]}`))
	}, WithOrganization("org-exo"))

	resp, err := p.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{llm.NewMessage(llm.RoleUser, "hi")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "I can't help with that." {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestChatWithoutChoicesIsInvalid(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	})
	_, err := p.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if !llm.IsKind(err, llm.KindInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestConvertMessages(t *testing.T) {
	tests := []struct {
		name  string
		msg   llm.Message
		check func(t *testing.T, raw map[string]any)
	}{
		{
			name: "system message",
			msg:  llm.Message{Role: llm.RoleSystem, Content: "You are helpful"},
			check: func(t *testing.T, raw map[string]any) {
				if raw["role"] != "system" {
					t.Errorf("role = %v", raw["role"])
				}
			},
		},
		{
			name: "assistant tool call",
			msg: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
				ID: "call_1", Function: llm.FunctionCall{Name: "f", Arguments: "{}"},
			}}},
			check: func(t *testing.T, raw map[string]any) {
				calls, _ := raw["tool_calls"].([]any)
				if raw["role"] != "assistant" || len(calls) != 1 {
					t.Errorf("unexpected %v", raw)
				}
			},
		},
		{
			name: "tool message",
			msg:  llm.Message{Role: llm.RoleTool, Content: "result", ToolCallID: "call_123"},
			check: func(t *testing.T, raw map[string]any) {
				if raw["role"] != "tool" || raw["tool_call_id"] != "call_123" {
					t.Errorf("unexpected %v", raw)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(toMessage(tt.msg))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var raw map[string]any
			if err := json.Unmarshal(b, &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tt.check(t, raw)
		})
	}
}

func weatherTool() llm.Tool {
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        "get_weather",
			Description: "Get weather for a location",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{"type": "string", "description": "The city name"},
				},
				"required": []string{"location"},
			},
		},
	}
}
