// Package openai provides a memory.Embedder backed by the OpenAI embeddings
// API or any compatible endpoint.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "text-embedding-3-small"

// Embedder implements memory.Embedder.
type Embedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// Option configures an Embedder.
type Option func(*config)

type config struct {
	model      string
	dimensions int
	opts       []option.RequestOption
}

// WithModel sets the embedding model.
func WithModel(model string) Option {
	return func(c *config) {
		if model != "" {
			c.model = model
		}
	}
}

// WithDimensions asks text-embedding-3 models for shorter vectors.
func WithDimensions(n int) Option {
	return func(c *config) { c.dimensions = n }
}

// WithAPIKey sets the API key. OPENAI_API_KEY is used otherwise.
func WithAPIKey(key string) Option {
	return func(c *config) {
		if key != "" {
			c.opts = append(c.opts, option.WithAPIKey(key))
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		if url != "" {
			c.opts = append(c.opts, option.WithBaseURL(url))
		}
	}
}

// WithRequestOptions appends raw client options.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) { c.opts = append(c.opts, opts...) }
}

// New creates an Embedder.
func New(opts ...Option) *Embedder {
	cfg := config{model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Embedder{
		client:     openai.NewClient(cfg.opts...),
		model:      cfg.model,
		dimensions: cfg.dimensions,
	}
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:          openai.EmbeddingModel(e.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding from model %s", e.model)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
