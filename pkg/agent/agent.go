// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the LLM-driven agent loop: it asks a provider for
// the next step, runs the requested tools and keeps the conversation in a
// memory.Store until the provider gives a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/exo/pkg/core"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/memory"
	"github.com/jllopis/exo/pkg/resilience"
	"github.com/jllopis/exo/pkg/telemetry"
	"github.com/jllopis/exo/pkg/tool"
)

// DefaultMaxIterations bounds the tool executions of a single Act.
const DefaultMaxIterations = 5

// State is the position of an agent in its loop.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingProvider State = "awaiting_provider"
	StateExecutingTool    State = "executing_tool"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Config holds the tunables of the loop. It is passed by value; there are no
// process-wide defaults besides DefaultConfig.
type Config struct {
	// MaxIterations is the maximum number of tool executions per Act.
	MaxIterations int
	// Temperature must be within [0, 1].
	Temperature float64
	MaxTokens   int
	TopP        float64
	TopK        int

	// MemoryEnabled adds recalled semantic context to the prompt and
	// indexes prompts and answers in semantic memory.
	MemoryEnabled bool
	// RecallK is the number of records recalled per Act.
	RecallK int

	// Verbose logs per-iteration events at Info instead of Debug.
	Verbose bool

	SystemPrompt string

	// ToolTimeout bounds tool calls whose spec has no Timeout of its own.
	ToolTimeout time.Duration
	// ProviderTimeout bounds each provider call.
	ProviderTimeout time.Duration

	// TextToolProtocol teaches the model the USE_TOOL text protocol instead
	// of sending structured tool definitions.
	TextToolProtocol bool
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   DefaultMaxIterations,
		Temperature:     0.7,
		RecallK:         3,
		ProviderTimeout: 60 * time.Second,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return NewInvalidInputError(fmt.Sprintf("max iterations must be at least 1, got %d", c.MaxIterations))
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return NewInvalidInputError(fmt.Sprintf("temperature must be within [0, 1], got %g", c.Temperature))
	}
	if c.RecallK < 0 {
		return NewInvalidInputError(fmt.Sprintf("recall k must not be negative, got %d", c.RecallK))
	}
	return nil
}

// Agent runs one conversation at a time. A second Act while one is in
// progress fails with ErrBusy.
type Agent struct {
	name         string
	model        string
	providerName string
	provider     llm.Provider
	breaker      *resilience.CircuitBreaker
	tools        *tool.Registry
	memory       *memory.Store
	cfg          Config
	policy       resilience.Policy

	errorLog     ErrorLog
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *telemetry.AgentMetrics
	errorMetrics *telemetry.ErrorMetrics
	emitter      core.EventEmitter

	running atomic.Bool

	mu    sync.Mutex
	state State
}

// Option configures an Agent instance.
type Option func(*Agent) error

// New creates an agent that talks to provider. Unless provider already is an
// *llm.Adapter it is wrapped in one built from the agent's retry policy,
// provider timeout and circuit breaker.
func New(provider llm.Provider, opts ...Option) (*Agent, error) {
	if provider == nil {
		return nil, NewInvalidInputError("provider is required")
	}
	a := &Agent{
		name:         "agent",
		providerName: "provider",
		cfg:          DefaultConfig(),
		policy:       resilience.DefaultPolicy(),
		logger:       slog.Default(),
		tracer:       otel.Tracer("exo/agent"),
		emitter:      core.NoopEventEmitter{},
		state:        StateIdle,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.name == "" {
		return nil, NewInvalidInputError("agent name is required")
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	if a.tools == nil {
		a.tools = tool.NewRegistry()
	}
	if a.memory == nil {
		a.memory = memory.NewStore(memory.WithStoreLogger(a.logger))
	}
	if a.errorLog == nil {
		a.errorLog = NewSlogErrorLog(a.logger)
	}
	if a.metrics == nil {
		if m, err := telemetry.NewAgentMetrics(); err == nil {
			a.metrics = m
		}
	}
	if a.errorMetrics == nil {
		if em, err := telemetry.NewErrorMetrics(context.Background()); err == nil {
			a.errorMetrics = em
		}
	}

	if adapter, ok := provider.(*llm.Adapter); ok {
		a.provider = adapter
	} else {
		a.provider = a.newAdapter(provider)
	}
	return a, nil
}

func (a *Agent) newAdapter(p llm.Provider) *llm.Adapter {
	opts := []llm.AdapterOption{
		llm.WithProviderName(a.providerName),
		llm.WithCallTimeout(a.cfg.ProviderTimeout),
		llm.WithRetry(a.policy.Provider),
		llm.WithAdapterLogger(a.logger),
		llm.WithRetryHook(a.onProviderRetry),
	}
	if a.breaker != nil {
		opts = append(opts, llm.WithBreaker(a.breaker))
	}
	if a.cfg.TextToolProtocol {
		opts = append(opts, llm.WithTextToolProtocol())
	}
	return llm.NewAdapter(p, opts...)
}

// WithName sets the agent name used in logs, spans and String.
func WithName(name string) Option {
	return func(a *Agent) error {
		a.name = name
		return nil
	}
}

// WithModel sets the model requested from the provider.
func WithModel(model string) Option {
	return func(a *Agent) error {
		a.model = model
		return nil
	}
}

// WithProviderName names the provider in errors, logs and spans.
func WithProviderName(name string) Option {
	return func(a *Agent) error {
		a.providerName = name
		return nil
	}
}

// WithConfig replaces the whole loop configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) error {
		a.cfg = cfg
		return nil
	}
}

// WithMaxIterations sets the maximum number of tool executions per Act.
func WithMaxIterations(n int) Option {
	return func(a *Agent) error {
		a.cfg.MaxIterations = n
		return nil
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(a *Agent) error {
		a.cfg.Temperature = t
		return nil
	}
}

// WithSystemPrompt sets the system prompt sent first on every provider call.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) error {
		a.cfg.SystemPrompt = prompt
		return nil
	}
}

// WithMemory sets the memory store. Stores may be shared between agents when
// their backends allow concurrent use.
func WithMemory(store *memory.Store) Option {
	return func(a *Agent) error {
		a.memory = store
		return nil
	}
}

// WithMemoryEnabled toggles semantic recall and indexing.
func WithMemoryEnabled(enabled bool) Option {
	return func(a *Agent) error {
		a.cfg.MemoryEnabled = enabled
		return nil
	}
}

// WithTools registers tools. Duplicate names fail construction.
func WithTools(tools ...tool.Tool) Option {
	return func(a *Agent) error {
		if a.tools == nil {
			a.tools = tool.NewRegistry()
		}
		for _, t := range tools {
			if err := a.tools.Register(t); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithRegistry uses an existing registry.
func WithRegistry(r *tool.Registry) Option {
	return func(a *Agent) error {
		if r == nil {
			return NewInvalidInputError("tool registry is nil")
		}
		a.tools = r
		return nil
	}
}

// WithPolicy sets the retry and fallback policy for provider and tool calls.
func WithPolicy(p resilience.Policy) Option {
	return func(a *Agent) error {
		a.policy = p
		return nil
	}
}

// WithFallback replaces the fallback answer producer.
func WithFallback(f resilience.FallbackStrategy) Option {
	return func(a *Agent) error {
		a.policy.Fallback = f
		return nil
	}
}

// WithStrict makes failed runs return the typed error instead of a
// fallback answer.
func WithStrict(strict bool) Option {
	return func(a *Agent) error {
		a.policy.Strict = strict
		return nil
	}
}

// WithBreaker guards provider calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Agent) error {
		a.breaker = cb
		return nil
	}
}

// WithTextToolProtocol enables the text tool-call protocol.
func WithTextToolProtocol() Option {
	return func(a *Agent) error {
		a.cfg.TextToolProtocol = true
		return nil
	}
}

// WithVerbose promotes per-iteration logs to Info.
func WithVerbose(verbose bool) Option {
	return func(a *Agent) error {
		a.cfg.Verbose = verbose
		return nil
	}
}

// WithErrorLog sets where failures recovered by the fallback are recorded.
func WithErrorLog(l ErrorLog) Option {
	return func(a *Agent) error {
		a.errorLog = l
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		a.logger = l
		return nil
	}
}

// WithEventEmitter sets the receiver of loop events.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(a *Agent) error {
		if e != nil {
			a.emitter = e
		}
		return nil
	}
}

// WithMetrics sets the agent metric instruments.
func WithMetrics(m *telemetry.AgentMetrics) Option {
	return func(a *Agent) error {
		a.metrics = m
		return nil
	}
}

// WithErrorMetrics sets the error metric instruments.
func WithErrorMetrics(m *telemetry.ErrorMetrics) Option {
	return func(a *Agent) error {
		a.errorMetrics = m
		return nil
	}
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Model returns the requested model.
func (a *Agent) Model() string { return a.model }

// Config returns a copy of the loop configuration.
func (a *Agent) Config() Config { return a.cfg }

// Memory returns the agent's memory store.
func (a *Agent) Memory() *memory.Store { return a.memory }

// Tools returns the agent's tool registry.
func (a *Agent) Tools() *tool.Registry { return a.tools }

// ListTools returns the registered tool names in sorted order.
func (a *Agent) ListTools() []string { return a.tools.Names() }

// State returns the agent's current loop state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Busy reports whether an Act is in progress.
func (a *Agent) Busy() bool { return a.running.Load() }

// Remember stores content in the agent's memory as a user record.
func (a *Agent) Remember(ctx context.Context, content string, metadata map[string]any) (memory.Record, error) {
	rec, err := a.memory.Remember(ctx, memory.Record{Content: content, Metadata: metadata})
	if err != nil {
		return rec, WrapMemoryError(err, "remember")
	}
	return rec, nil
}

// ClearMemory empties the session. Semantic memory is kept.
func (a *Agent) ClearMemory(ctx context.Context) error {
	if err := a.memory.Clear(ctx); err != nil {
		return WrapMemoryError(err, "clear")
	}
	return nil
}

func (a *Agent) String() string {
	return fmt.Sprintf("Agent(name=%s, model=%s, tools=%v)", a.name, a.model, a.ListTools())
}
