// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini adapts the Google Gen AI SDK to llm.Provider.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/jllopis/exo/pkg/llm"
)

const (
	Name         = "gemini"
	DefaultModel = "gemini-2.5-flash"
)

type Provider struct {
	client *genai.Client
	model  string
	cc     genai.ClientConfig
}

type Option func(*Provider)

func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithAPIKey selects the Gemini API backend with key. Without it the SDK
// reads GOOGLE_API_KEY or GEMINI_API_KEY.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		if key != "" {
			p.cc.APIKey = key
			p.cc.Backend = genai.BackendGeminiAPI
		}
	}
}

func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.cc.HTTPOptions.BaseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.cc.HTTPClient = c }
}

// New builds the SDK client. It fails when no credentials are available.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{model: DefaultModel}
	for _, opt := range opts {
		opt(p)
	}
	client, err := genai.NewClient(ctx, &p.cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	p.client = client
	return p, nil
}

// NewWithAPIKey is New with WithAPIKey applied first.
func NewWithAPIKey(ctx context.Context, key string, opts ...Option) (*Provider, error) {
	return New(ctx, append([]Option{WithAPIKey(key)}, opts...)...)
}

func (p *Provider) Model() string { return p.model }

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	contents, system := toContents(req.Messages)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, generateConfig(req, system))
	if err != nil {
		return nil, classify(err)
	}
	return fromResponse(resp)
}

// Close exists for symmetry with providers holding connections; the SDK
// client has nothing to release.
func (p *Provider) Close() error { return nil }

func generateConfig(req llm.ChatRequest, system string) *genai.GenerateContentConfig {
	o := req.Options
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(o.Temperature))}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if o.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(o.MaxTokens)
	}
	if o.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(o.TopP))
	}
	if o.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(o.TopK))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = toDeclaration(t)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// classify accepts both value and pointer APIError forms; the SDK has
// returned each across releases.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.StatusError(Name, apiErr.Code, apiErr.Message)
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) {
		return llm.StatusError(Name, ptr.Code, ptr.Message)
	}
	return llm.Classify(Name, err)
}

// toContents lifts system messages into the system instruction and merges
// consecutive turns of the same role, so the responses to parallel calls
// travel in one user turn.
func toContents(messages []llm.Message) ([]*genai.Content, string) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		c := toContent(m)
		if n := len(contents); n > 0 && contents[n-1].Role == c.Role {
			contents[n-1].Parts = append(contents[n-1].Parts, c.Parts...)
			continue
		}
		contents = append(contents, c)
	}
	return contents, strings.Join(system, "\n\n")
}

func toContent(m llm.Message) *genai.Content {
	switch m.Role {
	case llm.RoleAssistant:
		c := &genai.Content{Role: string(genai.RoleModel)}
		if m.Content != "" {
			c.Parts = append(c.Parts, genai.NewPartFromText(m.Content))
		}
		for _, tc := range m.ToolCalls {
			c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Args(),
			}})
		}
		return c
	case llm.RoleTool:
		// Responses must be objects; plain text results are wrapped.
		var result map[string]any
		if err := json.Unmarshal([]byte(m.Content), &result); err != nil || result == nil {
			result = map[string]any{"result": m.Content}
		}
		name := m.Name
		if name == "" {
			name = m.ToolCallID
		}
		return &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{{
			FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: name, Response: result},
		}}}
	default:
		return genai.NewContentFromText(m.Content, genai.RoleUser)
	}
}

func toDeclaration(t llm.Tool) *genai.FunctionDeclaration {
	var params map[string]any
	if raw, err := json.Marshal(t.Function.Parameters); err == nil {
		_ = json.Unmarshal(raw, &params)
	}
	return &genai.FunctionDeclaration{
		Name:        t.Function.Name,
		Description: t.Function.Description,
		Parameters:  toSchema(params),
	}
}

// toSchema keeps the subset of JSON Schema the API understands: type,
// description, enum, properties, required and items.
func toSchema(def map[string]any) *genai.Schema {
	if def == nil {
		return nil
	}
	s := &genai.Schema{}
	if typ, ok := def["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(typ))
	}
	s.Description, _ = def["description"].(string)
	s.Enum = stringList(def["enum"])
	s.Required = stringList(def["required"])
	if props, ok := def["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			child, _ := p.(map[string]any)
			s.Properties[name] = toSchema(child)
		}
	}
	if items, ok := def["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	return s
}

func stringList(v any) []string {
	list, _ := v.([]any)
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// fromResponse reads the first candidate. A prompt blocked before any
// candidate was produced is an invalid response.
func fromResponse(resp *genai.GenerateContentResponse) (*llm.ChatResponse, error) {
	out := &llm.ChatResponse{}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
			return nil, &llm.ProviderError{
				Provider: Name,
				Kind:     llm.KindInvalidResponse,
				Message:  "prompt blocked: " + string(pf.BlockReason),
			}
		}
		return out, nil
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return out, nil
	}
	var text strings.Builder
	for _, part := range content.Parts {
		text.WriteString(part.Text)
		fc := part.FunctionCall
		if fc == nil {
			continue
		}
		args, _ := json.Marshal(fc.Args)
		if fc.Args == nil {
			args = []byte("{}")
		}
		id := fc.ID
		if id == "" {
			id = fc.Name
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:       id,
			Type:     llm.ToolTypeFunction,
			Function: llm.FunctionCall{Name: fc.Name, Arguments: string(args)},
		})
	}
	out.Content = text.String()
	return out, nil
}

var _ llm.Provider = (*Provider)(nil)
