package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ollamaName = "ollama"

	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "qwen2.5-coder:7b-instruct-q5_K_M"
)

// OllamaProvider calls the /api/chat endpoint of an Ollama server without
// streaming.
type OllamaProvider struct {
	baseURL   string
	model     string
	keepAlive time.Duration
	client    *http.Client
}

type OllamaOption func(*OllamaProvider)

// WithOllamaHTTPClient replaces the default client, which times out after
// two minutes.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) { p.client = c }
}

// WithKeepAlive asks the server to keep the model loaded for d after each
// request. Zero leaves the server default.
func WithKeepAlive(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) { p.keepAlive = d }
}

// NewOllama returns a provider for baseURL; empty arguments select
// DefaultOllamaURL and DefaultOllamaModel.
func NewOllama(baseURL, model string, opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		baseURL: cmpOr(baseURL, DefaultOllamaURL),
		model:   cmpOr(model, DefaultOllamaModel),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func cmpOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type ollamaCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	ToolCalls []ollamaCall `json:"tool_calls,omitempty"`
	ToolName  string       `json:"tool_name,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
}

type ollamaRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Tools     []Tool          `json:"tools,omitempty"`
	Options   ollamaOptions   `json:"options"`
	KeepAlive string          `json:"keep_alive,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	EvalCount       int           `json:"eval_count"`
	PromptEvalCount int           `json:"prompt_eval_count"`
}

// Chat implements Provider. Ollama does not assign tool call ids, so calls
// are numbered "ollama_call_<n>" within a response.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(p.request(req))
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, Classify(ollamaName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, StatusError(ollamaName, resp.StatusCode, string(bytes.TrimSpace(msg)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewProviderError(ollamaName, KindInvalidResponse, fmt.Errorf("decode response: %w", err))
	}
	return out.chatResponse(), nil
}

func (p *OllamaProvider) request(req ChatRequest) ollamaRequest {
	r := ollamaRequest{
		Model:    cmpOr(req.Model, p.model),
		Messages: make([]ollamaMessage, len(req.Messages)),
		Tools:    req.Tools,
		Options: ollamaOptions{
			Temperature: req.Options.Temperature,
			NumPredict:  req.Options.MaxTokens,
			TopP:        req.Options.TopP,
			TopK:        req.Options.TopK,
		},
	}
	if p.keepAlive > 0 {
		r.KeepAlive = p.keepAlive.String()
	}
	for i, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			om.ToolName = m.Name
		}
		for _, tc := range m.ToolCalls {
			var c ollamaCall
			c.Function.Name = tc.Function.Name
			c.Function.Arguments = json.RawMessage(tc.Function.Arguments)
			if !json.Valid(c.Function.Arguments) {
				c.Function.Arguments = json.RawMessage("{}")
			}
			om.ToolCalls = append(om.ToolCalls, c)
		}
		r.Messages[i] = om
	}
	return r
}

func (r ollamaResponse) chatResponse() *ChatResponse {
	out := &ChatResponse{
		Content: r.Message.Content,
		Usage: Usage{
			PromptTokens:     r.PromptEvalCount,
			CompletionTokens: r.EvalCount,
			TotalTokens:      r.PromptEvalCount + r.EvalCount,
		},
	}
	for i, tc := range r.Message.ToolCalls {
		args := string(tc.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:       fmt.Sprintf("ollama_call_%d", i),
			Type:     ToolTypeFunction,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return out
}
