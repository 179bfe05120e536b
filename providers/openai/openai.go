// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai adapts the OpenAI chat completions API, and compatible
// endpoints such as Azure OpenAI or vLLM, to llm.Provider.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/jllopis/exo/pkg/llm"
)

const (
	// Name identifies the provider in errors, spans and routes.
	Name = "openai"
	// DefaultModel is used when neither the provider nor the request names one.
	DefaultModel = "gpt-5-mini"
)

// Provider talks to the chat completions endpoint. The SDK's own retries
// are off; wrap the provider in an llm.Adapter to retry.
type Provider struct {
	client  openai.Client
	model   string
	reqOpts []option.RequestOption
}

type Option func(*Provider)

// WithModel sets the default model. Empty keeps DefaultModel.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.reqOpts = append(p.reqOpts, option.WithBaseURL(url))
		}
	}
}

// WithAPIKey overrides OPENAI_API_KEY. Empty keeps the environment value.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		if key != "" {
			p.reqOpts = append(p.reqOpts, option.WithAPIKey(key))
		}
	}
}

func WithOrganization(org string) Option {
	return func(p *Provider) {
		if org != "" {
			p.reqOpts = append(p.reqOpts, option.WithOrganization(org))
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithHTTPClient(c)) }
}

// WithRequestOptions appends raw SDK options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, opts...) }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		model:   DefaultModel,
		reqOpts: []option.RequestOption{option.WithMaxRetries(0)},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client = openai.NewClient(p.reqOpts...)
	return p
}

// NewWithAPIKey is New with WithAPIKey applied first.
func NewWithAPIKey(key string, opts ...Option) *Provider {
	return New(append([]Option{WithAPIKey(key)}, opts...)...)
}

func (p *Provider) Model() string { return p.model }

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, llm.StatusError(Name, apiErr.StatusCode, apiErr.Message)
		}
		return nil, llm.Classify(Name, err)
	}
	return fromCompletion(completion)
}

func (p *Provider) params(req llm.ChatRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, len(req.Messages)),
		Temperature: openai.Float(req.Options.Temperature),
	}
	for i, m := range req.Messages {
		out.Messages[i] = toMessage(m)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, toTool(t))
	}
	if n := req.Options.MaxTokens; n > 0 {
		out.MaxCompletionTokens = openai.Int(int64(n))
	}
	if v := req.Options.TopP; v > 0 {
		out.TopP = openai.Float(v)
	}
	return out
}

// toMessage maps one history entry. Unknown roles are sent as user turns.
func toMessage(m llm.Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case llm.RoleSystem:
		return openai.SystemMessage(m.Content)
	case llm.RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID)
	case llm.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Content)
		}
		var a openai.ChatCompletionAssistantMessageParam
		if m.Content != "" {
			a.Content.OfString = param.NewOpt(m.Content)
		}
		for _, tc := range m.ToolCalls {
			a.ToolCalls = append(a.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &a}
	default:
		return openai.UserMessage(m.Content)
	}
}

func toTool(t llm.Tool) openai.ChatCompletionToolParam {
	// Round-trip through JSON: Parameters may be a map or a typed schema.
	var schema openai.FunctionParameters
	if raw, err := json.Marshal(t.Function.Parameters); err == nil {
		_ = json.Unmarshal(raw, &schema)
	}
	return openai.ChatCompletionToolParam{
		Function: openai.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  schema,
		},
	}
}

// fromCompletion reads the first choice. A refusal with no content is
// returned as the answer.
func fromCompletion(c *openai.ChatCompletion) (*llm.ChatResponse, error) {
	if len(c.Choices) == 0 {
		return nil, &llm.ProviderError{Provider: Name, Kind: llm.KindInvalidResponse, Message: "no choices in completion"}
	}
	msg := c.Choices[0].Message
	resp := &llm.ChatResponse{
		Content: msg.Content,
		Usage: llm.Usage{
			PromptTokens:     int(c.Usage.PromptTokens),
			CompletionTokens: int(c.Usage.CompletionTokens),
			TotalTokens:      int(c.Usage.TotalTokens),
		},
	}
	if resp.Content == "" && len(msg.ToolCalls) == 0 {
		resp.Content = msg.Refusal
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:       tc.ID,
			Type:     llm.ToolTypeFunction,
			Function: llm.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return resp, nil
}

var _ llm.Provider = (*Provider)(nil)
