// Package llm defines the provider boundary used by the agent loop: message
// types, the Provider contract, provider error classification, and the
// Adapter that applies timeouts, retries and circuit breaking to any Provider.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Provider is a chat model backend. Chat may be called again with the same
// request after a failure, and failures should be *ProviderError values so
// the Adapter can tell transient ones apart.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation. Tool role messages answer the
// assistant's call with the same ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
}

// NewMessage returns a text message stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now()}
}

// ToolResult returns the tool role message answering call.
func ToolResult(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Name:       call.Function.Name,
		ToolCallID: call.ID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

// ToolType is always "function" today; it exists because the OpenAI wire
// format carries it.
type ToolType string

const ToolTypeFunction ToolType = "function"

// Tool is a function the model may call, described by a JSON Schema.
type Tool struct {
	Type     ToolType    `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// ToolCall is the model asking for a tool to run.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     ToolType     `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the arguments as the JSON text the model produced.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Args decodes Arguments leniently for replaying history to a provider:
// empty or malformed text yields an empty map. Tool execution validates
// arguments strictly instead.
func (f FunctionCall) Args() map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(f.Arguments), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// Options are sampling parameters. Zero MaxTokens, TopP and TopK keep the
// provider's default.
type Options struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
	Options  Options   `json:"options"`
}

// ChatResponse is either a final answer in Content or a request to run
// ToolCalls. Providers may return both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ToolCall returns the first structured tool call. The agent executes one
// call per iteration.
func (r *ChatResponse) ToolCall() (ToolCall, bool) {
	if r == nil || len(r.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return r.ToolCalls[0], true
}

// Usage counts tokens as reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}
