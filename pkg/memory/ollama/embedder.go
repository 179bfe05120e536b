// Package ollama provides a memory.Embedder backed by a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/exo/pkg/llm"
)

const (
	// DefaultBaseURL is the address of a local Ollama server.
	DefaultBaseURL = "http://localhost:11434"
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "nomic-embed-text"

	providerName = "ollama"
)

// Embedder calls Ollama's /api/embed endpoint. Failures are
// *llm.ProviderError values classified by HTTP status.
type Embedder struct {
	baseURL string
	model   string
	client  *http.Client
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithHTTPClient replaces the default client, which times out after 60s.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Embedder) { e.client = c }
}

// NewEmbedder creates an Embedder. Empty arguments select DefaultBaseURL
// and DefaultModel.
func NewEmbedder(baseURL, model string, opts ...Option) *Embedder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	e := &Embedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. The result has one vector per
// input, in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.Classify(providerName, err)
	}
	defer resp.Body.Close()

	var out embedResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK {
		return nil, llm.StatusError(providerName, resp.StatusCode, out.Error)
	}
	if decodeErr != nil {
		return nil, &llm.ProviderError{Provider: providerName, Kind: llm.KindInvalidResponse, Message: "undecodable embed response", Err: decodeErr}
	}
	if len(out.Embeddings) != len(texts) {
		return nil, &llm.ProviderError{
			Provider: providerName,
			Kind:     llm.KindInvalidResponse,
			Message:  fmt.Sprintf("got %d embeddings for %d inputs from %s", len(out.Embeddings), len(texts), e.model),
		}
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 {
			return nil, &llm.ProviderError{
				Provider: providerName,
				Kind:     llm.KindInvalidResponse,
				Message:  fmt.Sprintf("empty embedding for input %d", i),
				Err:      errors.New("empty embedding"),
			}
		}
	}
	return out.Embeddings, nil
}
