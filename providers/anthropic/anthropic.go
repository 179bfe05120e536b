// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/jllopis/exo/pkg/llm"
)

const (
	// Name identifies the provider in errors, spans and routes.
	Name = "anthropic"

	DefaultModel = "claude-sonnet-4-20250514"
	// DefaultMaxTokens bounds requests that do not set Options.MaxTokens;
	// the API rejects requests without a bound.
	DefaultMaxTokens = 4096
)

// Provider talks to the Messages API with SDK retries disabled.
type Provider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	reqOpts   []option.RequestOption
}

type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

func WithMaxTokens(n int64) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.reqOpts = append(p.reqOpts, option.WithBaseURL(url))
		}
	}
}

// WithAPIKey overrides ANTHROPIC_API_KEY. Empty keeps the environment value.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		if key != "" {
			p.reqOpts = append(p.reqOpts, option.WithAPIKey(key))
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.reqOpts = append(p.reqOpts, option.WithHTTPClient(c)) }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
		reqOpts:   []option.RequestOption{option.WithMaxRetries(0)},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.client = anthropic.NewClient(p.reqOpts...)
	return p
}

// NewWithAPIKey is New with WithAPIKey applied first.
func NewWithAPIKey(key string, opts ...Option) *Provider {
	return New(append([]Option{WithAPIKey(key)}, opts...)...)
}

func (p *Provider) Model() string { return p.model }

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, llm.StatusError(Name, apiErr.StatusCode, apiErr.Error())
		}
		return nil, llm.Classify(Name, err)
	}
	return fromMessage(msg), nil
}

// params lifts system messages into the system prompt and merges
// consecutive turns of the same role, since tool results travel as user
// turns and the API expects roles to alternate.
func (p *Provider) params(req llm.ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(req.Options.Temperature),
	}
	if n := req.Options.MaxTokens; n > 0 {
		out.MaxTokens = int64(n)
	}
	if v := req.Options.TopP; v > 0 {
		out.TopP = anthropic.Float(v)
	}
	if k := req.Options.TopK; k > 0 {
		out.TopK = anthropic.Int(int64(k))
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role, blocks := toBlocks(m)
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	if len(system) > 0 {
		out.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, toTool(t))
	}
	return out
}

func toBlocks(m llm.Message) (anthropic.MessageParamRole, []anthropic.ContentBlockParamUnion) {
	switch m.Role {
	case llm.RoleAssistant:
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" || len(m.ToolCalls) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Function.Args(), tc.Function.Name))
		}
		return anthropic.MessageParamRoleAssistant, blocks
	case llm.RoleTool:
		return anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
			anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
		}
	default:
		return anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
	}
}

// toTool keeps the properties and required list of the JSON Schema; the
// API fixes the schema type to object.
func toTool(t llm.Tool) anthropic.ToolUnionParam {
	var schema struct {
		Properties any      `json:"properties"`
		Required   []string `json:"required"`
	}
	if raw, err := json.Marshal(t.Function.Parameters); err == nil {
		_ = json.Unmarshal(raw, &schema)
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        t.Function.Name,
			Description: anthropic.String(t.Function.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       constant.Object("object"),
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		},
	}
}

func fromMessage(m *anthropic.Message) *llm.ChatResponse {
	resp := &llm.ChatResponse{
		Usage: llm.Usage{
			PromptTokens:     int(m.Usage.InputTokens),
			CompletionTokens: int(m.Usage.OutputTokens),
			TotalTokens:      int(m.Usage.InputTokens + m.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:       block.ID,
				Type:     llm.ToolTypeFunction,
				Function: llm.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	resp.Content = text.String()
	return resp
}

var _ llm.Provider = (*Provider)(nil)
