// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/jllopis/exo/pkg/agent"
	"github.com/jllopis/exo/pkg/config"
	"github.com/jllopis/exo/pkg/core"
	exoerrors "github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/mcp"
	"github.com/jllopis/exo/pkg/memory"
	memoryollama "github.com/jllopis/exo/pkg/memory/ollama"
	memoryopenai "github.com/jllopis/exo/pkg/memory/openai"
	"github.com/jllopis/exo/pkg/memory/qdrant"
	"github.com/jllopis/exo/pkg/memory/redis"
	"github.com/jllopis/exo/pkg/memory/sqlite"
	"github.com/jllopis/exo/pkg/resilience"
	"github.com/jllopis/exo/pkg/telemetry"
	"github.com/jllopis/exo/pkg/tool"
	"github.com/jllopis/exo/pkg/tool/memorytool"
	"github.com/jllopis/exo/providers/anthropic"
	"github.com/jllopis/exo/providers/gemini"
	"github.com/jllopis/exo/providers/openai"
)

const (
	mockResponse     = "This is a mock response."
	defaultSessionID = "default"
)

// runtime is everything a command needs to run the agent. Close releases the
// backends it opened, newest first.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider llm.Provider
	store    *memory.Store
	registry *tool.Registry
	agent    *agent.Agent
	metrics  *telemetry.ErrorMetrics
	closers  []func() error
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if rt.provider, err = rt.newProvider(ctx); err != nil {
		return rt, err
	}
	if rt.store, err = rt.newStore(ctx, cfg.Memory.Semantic); err != nil {
		return rt, err
	}
	if rt.registry, err = rt.newRegistry(ctx, true); err != nil {
		return rt, err
	}
	if rt.agent, err = rt.newAgent(cfg); err != nil {
		return rt, err
	}
	logger.Debug("cli.runtime.ready",
		slog.String("provider", cfg.LLM.Provider),
		slog.String("model", cfg.LLM.Model),
		slog.Any("tools", rt.registry.Names()),
	)
	return rt, nil
}

// Close releases the backends in reverse order of creation.
func (rt *runtime) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(rt.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// newProvider builds the configured provider behind a Router, so model names
// may carry a "<provider>/" prefix.
func (rt *runtime) newProvider(ctx context.Context) (llm.Provider, error) {
	cfg := rt.cfg.LLM
	name := strings.ToLower(cfg.Provider)
	model := cfg.Model
	if prefix, rest, ok := strings.Cut(model, "/"); ok && prefix == name {
		model = rest
	}

	var p llm.Provider
	switch name {
	case "ollama":
		p = llm.NewOllama(cfg.BaseURL, model, llm.WithKeepAlive(cfg.KeepAlive))
	case "openai":
		p = openai.New(
			openai.WithModel(model),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithAPIKey(cfg.APIKey),
			openai.WithOrganization(cfg.Organization),
		)
	case "anthropic":
		p = anthropic.New(
			anthropic.WithModel(model),
			anthropic.WithBaseURL(cfg.BaseURL),
			anthropic.WithAPIKey(cfg.APIKey),
			anthropic.WithMaxTokens(int64(cfg.MaxTokens)),
		)
	case "gemini":
		g, err := gemini.New(ctx,
			gemini.WithModel(model),
			gemini.WithAPIKey(cfg.APIKey),
			gemini.WithBaseURL(cfg.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		rt.onClose(g.Close)
		p = g
	case "mock":
		p = &llm.MockProvider{Response: mockResponse}
	default:
		return nil, NewInvalidArgumentError("llm.provider", fmt.Sprintf("unknown LLM provider %q", cfg.Provider))
	}

	router := llm.NewRouter(name)
	router.Register(name, p)
	return router, nil
}

// newStore opens the session and semantic backends. semantic overrides
// memory.semantic so mcp-serve can always offer the memory tools.
func (rt *runtime) newStore(ctx context.Context, semantic string) (*memory.Store, error) {
	cfg := rt.cfg.Memory
	opts := []memory.StoreOption{memory.WithStoreLogger(rt.logger)}

	switch cfg.Session {
	case "", "inmemory":
		opts = append(opts, memory.WithSession(memory.NewInMemorySession()))
	case "file":
		opts = append(opts, memory.WithSession(memory.NewFileSession(cfg.SessionPath)))
	case "redis":
		s, err := redis.New(ctx, redis.Config{Addr: cfg.RedisAddr, SessionID: sessionID(rt.cfg)})
		if err != nil {
			return nil, err
		}
		rt.onClose(s.Close)
		opts = append(opts, memory.WithSession(s))
	default:
		return nil, NewInvalidArgumentError("memory.session", fmt.Sprintf("unknown session backend %q", cfg.Session))
	}

	trunc, err := rt.newTruncation()
	if err != nil {
		return nil, err
	}
	if trunc != nil {
		opts = append(opts, memory.WithTruncation(trunc))
	}

	if semantic != "" && semantic != "none" {
		sem, err := rt.newSemantic(ctx, semantic)
		if err != nil {
			return nil, err
		}
		opts = append(opts, memory.WithSemantic(sem))
	}
	return memory.NewStore(opts...), nil
}

func (rt *runtime) newTruncation() (memory.TruncationStrategy, error) {
	cfg := rt.cfg.Memory
	switch cfg.Truncation {
	case "", "none":
		return nil, nil
	case "window":
		return memory.NewWindowStrategy(cfg.Window, true), nil
	case "token":
		return memory.NewTokenStrategy(cfg.MaxTokens, true), nil
	case "summarize":
		return memory.NewSummarizationStrategy(cfg.Window, max(cfg.Window/2, 1),
			memory.ProviderSummarizer(rt.provider, rt.cfg.LLM.Model)), nil
	default:
		return nil, NewInvalidArgumentError("memory.truncation", fmt.Sprintf("unknown truncation %q", cfg.Truncation))
	}
}

func (rt *runtime) newSemantic(ctx context.Context, backend string) (*memory.Semantic, error) {
	cfg := rt.cfg.Memory

	var embedder memory.Embedder
	switch cfg.Embedder {
	case "", "hash":
		embedder = memory.NewHashEmbedder(cfg.EmbedderDim)
	case "ollama":
		embedder = memoryollama.NewEmbedder(cfg.EmbedderBaseURL, cfg.EmbedderModel)
	case "openai":
		embedder = memoryopenai.New(
			memoryopenai.WithModel(cfg.EmbedderModel),
			memoryopenai.WithBaseURL(cfg.EmbedderBaseURL),
		)
	default:
		return nil, NewInvalidArgumentError("memory.embedder", fmt.Sprintf("unknown embedder %q", cfg.Embedder))
	}

	var index memory.VectorIndex
	switch backend {
	case "inmemory":
		index = memory.NewInMemoryIndex()
	case "sqlite":
		idx, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.onClose(idx.Close)
		index = idx
	case "qdrant":
		idx, err := qdrant.New(cfg.QdrantAddr, cfg.Collection,
			qdrant.WithAPIKey(cfg.QdrantAPIKey),
			qdrant.WithTLS(cfg.QdrantTLS),
		)
		if err != nil {
			return nil, err
		}
		rt.onClose(idx.Close)
		index = idx
	default:
		return nil, NewInvalidArgumentError("memory.semantic", fmt.Sprintf("unknown semantic backend %q", backend))
	}

	sem := memory.NewSemantic(embedder, index)
	if err := sem.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize semantic memory: %w", err)
	}
	return sem, nil
}

// newRegistry registers the memory tools when semantic memory is on and,
// when withRemote is set, the tools of every configured MCP server.
func (rt *runtime) newRegistry(ctx context.Context, withRemote bool) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	filter := tool.NewFilter(rt.cfg.Tools.Allow, rt.cfg.Tools.Deny)
	if sem := rt.store.Semantic(); sem != nil {
		skipped, err := reg.RegisterAll(filter, memorytool.Tools(sem)...)
		if err != nil {
			return nil, err
		}
		rt.logSkipped("memory", skipped)
	}
	if !withRemote {
		return reg, nil
	}

	servers := rt.cfg.MCP.Servers
	for _, name := range slices.Sorted(maps.Keys(servers)) {
		client, err := rt.connectMCP(ctx, servers[name])
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", name, err)
		}
		rt.onClose(client.Close)
		tools, err := mcp.Tools(ctx, client, servers[name].ToolPrefix)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", name, err)
		}
		skipped, err := reg.RegisterAll(filter, tools...)
		if err != nil {
			return nil, fmt.Errorf("mcp server %s: %w", name, err)
		}
		rt.logSkipped(name, skipped)
		rt.logger.Info("cli.mcp.connected",
			slog.String("server", name),
			slog.String("remote", client.Server().Name),
			slog.String("remote_version", client.Server().Version),
			slog.Int("tools", len(tools)-len(skipped)),
		)
	}
	return reg, nil
}

func (rt *runtime) logSkipped(source string, names []string) {
	if len(names) > 0 {
		rt.logger.Debug("cli.tools.filtered", slog.String("source", source), slog.Any("tools", names))
	}
}

func (rt *runtime) connectMCP(ctx context.Context, s config.MCPServerConfig) (*mcp.Client, error) {
	opts := []mcp.ClientOption{mcp.WithRetry(rt.cfg.Retry.Resilience())}
	if s.Timeout > 0 {
		opts = append(opts, mcp.WithTimeout(s.Timeout))
	}
	ep := mcp.Endpoint{ProtocolVersion: s.ProtocolVersion}
	if s.Transport == "http" {
		ep.URL, ep.Headers = s.URL, s.Headers
	} else {
		ep.Command, ep.Args, ep.Env = s.Command, s.Args, s.Env
	}
	return mcp.Dial(ctx, ep, opts...)
}

// newAgent builds an agent from cfg over the runtime's provider, memory and
// tools. Chat calls it again when the configuration file changes.
func (rt *runtime) newAgent(cfg *config.Config) (*agent.Agent, error) {
	opts := []agent.Option{
		agent.WithName(cfg.Agent.Name),
		agent.WithModel(cfg.LLM.Model),
		agent.WithProviderName(cfg.LLM.Provider),
		agent.WithConfig(agentConfig(cfg)),
		agent.WithPolicy(policy(cfg)),
		agent.WithMemory(rt.store),
		agent.WithRegistry(rt.registry),
		agent.WithLogger(rt.logger),
		agent.WithEventEmitter(core.LogEmitter{Logger: rt.logger, Level: slog.LevelDebug}),
		agent.WithErrorMetrics(rt.errorMetrics()),
	}
	if cfg.Breaker.Enabled {
		opts = append(opts, agent.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "llm." + cfg.LLM.Provider,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Timeout:          cfg.Breaker.Timeout,
			Counts:           llm.BreakerCounts,
			OnStateChange:    rt.breakerChanged,
		})))
	}
	return agent.New(rt.provider, opts...)
}

// errorMetrics is shared by every agent the runtime builds.
func (rt *runtime) errorMetrics() *telemetry.ErrorMetrics {
	if rt.metrics == nil {
		m, err := telemetry.NewErrorMetrics(context.Background())
		if err != nil {
			rt.logger.Debug("cli.metrics.unavailable", slog.String("error", err.Error()))
			return nil
		}
		rt.metrics = m
	}
	return rt.metrics
}

func (rt *runtime) breakerChanged(name string, from, to resilience.CircuitBreakerState) {
	rt.logger.Warn("cli.breaker.state",
		slog.String("breaker", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	rt.errorMetrics().RecordBreakerState(context.Background(), name, to.Level())
}

func agentConfig(cfg *config.Config) agent.Config {
	c := agent.DefaultConfig()
	c.MaxIterations = cfg.Agent.MaxIterations
	c.Temperature = cfg.Agent.Temperature
	c.MaxTokens = cfg.LLM.MaxTokens
	c.TopP = cfg.LLM.TopP
	c.TopK = cfg.LLM.TopK
	c.MemoryEnabled = cfg.Agent.MemoryEnabled
	c.RecallK = cfg.Agent.RecallK
	c.Verbose = cfg.Agent.Verbose
	c.SystemPrompt = cfg.Agent.SystemPrompt
	c.ToolTimeout = cfg.Agent.ToolTimeout
	if cfg.LLM.Timeout > 0 {
		c.ProviderTimeout = cfg.LLM.Timeout
	}
	c.TextToolProtocol = cfg.Agent.TextToolProtocol
	return c
}

func policy(cfg *config.Config) resilience.Policy {
	p := resilience.DefaultPolicy()
	rc := cfg.Retry.Resilience()
	p.Provider = rc
	p.Tool = rc
	if cfg.Agent.FallbackMessage != "" {
		p.Fallback = &resilience.StaticFallback{Value: cfg.Agent.FallbackMessage}
	}
	if len(cfg.Agent.FallbackByCode) > 0 {
		byCode := &resilience.CodeFallback{
			Messages: make(map[exoerrors.ErrorCode]string, len(cfg.Agent.FallbackByCode)),
			Default:  p.Fallback,
		}
		for code, msg := range cfg.Agent.FallbackByCode {
			byCode.Messages[exoerrors.ErrorCode(strings.ToUpper(code))] = msg
		}
		p.Fallback = byCode
	}
	p.Strict = cfg.Agent.Strict
	return p
}

func sessionID(cfg *config.Config) string {
	if cfg.Memory.SessionID != "" {
		return cfg.Memory.SessionID
	}
	return defaultSessionID
}
