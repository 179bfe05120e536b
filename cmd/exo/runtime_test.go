// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/jllopis/exo/pkg/config"
	exoerrors "github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/memory"
	"github.com/jllopis/exo/pkg/resilience"
	"github.com/jllopis/exo/pkg/tool"
	"github.com/jllopis/exo/pkg/tool/memorytool"
)

func testConfig(t *testing.T, sets ...string) *config.Config {
	t.Helper()
	args := []string{}
	for _, s := range sets {
		args = append(args, "--set", s)
	}
	cfg, err := config.LoadWithCLI(args)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return cfg
}

func testRuntime(t *testing.T, cfg *config.Config) *runtime {
	t.Helper()
	return &runtime{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestNewProviderKinds(t *testing.T) {
	for _, name := range []string{"ollama", "openai", "anthropic", "gemini", "mock"} {
		t.Run(name, func(t *testing.T) {
			rt := testRuntime(t, testConfig(t, "llm.provider="+name, "llm.api_key=test-key", "llm.model="+name+"/some-model"))
			defer rt.Close()

			p, err := rt.newProvider(context.Background())
			if err != nil {
				t.Fatalf("newProvider: %v", err)
			}
			router, ok := p.(*llm.Router)
			if !ok {
				t.Fatalf("expected a router, got %T", p)
			}
			if got := router.Providers(); !slices.Equal(got, []string{name}) {
				t.Errorf("providers: got %v", got)
			}
			if _, model, err := router.Route(rt.cfg.LLM.Model); err != nil || model != "some-model" {
				t.Errorf("route: model=%q err=%v", model, err)
			}
			if _, _, err := router.Route("other/model"); !errors.Is(err, llm.ErrUnknownRoute) {
				t.Errorf("expected ErrUnknownRoute, got %v", err)
			}
		})
	}
}

func TestNewProviderUnknown(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "nope"
	if _, err := testRuntime(t, cfg).newProvider(context.Background()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewStoreSessionBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	tests := []struct {
		name string
		sets []string
	}{
		{name: "inmemory", sets: []string{"memory.session=inmemory"}},
		{name: "file", sets: []string{"memory.session=file", "memory.session_path=" + filepath.Join(dir, "s.jsonl")}},
		{name: "redis", sets: []string{"memory.session=redis", "memory.redis_addr=" + mr.Addr(), "memory.session_id=cli"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			rt := testRuntime(t, testConfig(t, tc.sets...))
			defer rt.Close()

			store, err := rt.newStore(ctx, "none")
			if err != nil {
				t.Fatalf("newStore: %v", err)
			}
			if err := store.Append(ctx, llm.Message{Role: llm.RoleUser, Content: "hi"}); err != nil {
				t.Fatalf("append: %v", err)
			}
			if n, err := store.Len(ctx); err != nil || n != 1 {
				t.Fatalf("len: %d, %v", n, err)
			}
			if store.SemanticEnabled() {
				t.Error("semantic memory should be off")
			}
		})
	}
	if !mr.Exists("exo:session:cli") {
		t.Error("redis session was not written under its session id")
	}
}

func TestNewStoreRedisUnreachable(t *testing.T) {
	rt := testRuntime(t, testConfig(t, "memory.session=redis", "memory.redis_addr=127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := rt.newStore(ctx, "none"); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNewStoreSemanticSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")
	rt := testRuntime(t, testConfig(t, "memory.semantic=sqlite", "memory.sqlite_path="+path))

	store, err := rt.newStore(ctx, rt.cfg.Memory.Semantic)
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if _, err := store.Remember(ctx, memory.Record{Content: "the launch code is blue"}); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt = testRuntime(t, rt.cfg)
	defer rt.Close()
	store, err = rt.newStore(ctx, rt.cfg.Memory.Semantic)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	hits, err := store.Recall(ctx, "launch code", 1)
	if err != nil || len(hits) != 1 {
		t.Fatalf("recall after reopen: %v, %v", hits, err)
	}
}

func TestNewTruncation(t *testing.T) {
	tests := map[string]any{
		"none":      nil,
		"window":    &memory.WindowStrategy{},
		"token":     &memory.TokenStrategy{},
		"summarize": &memory.SummarizationStrategy{},
	}
	for name, want := range tests {
		t.Run(name, func(t *testing.T) {
			rt := testRuntime(t, testConfig(t, "memory.truncation="+name))
			rt.provider = &llm.MockProvider{Response: "summary"}
			got, err := rt.newTruncation()
			if err != nil {
				t.Fatalf("newTruncation: %v", err)
			}
			switch want.(type) {
			case nil:
				if got != nil {
					t.Errorf("expected no strategy, got %T", got)
				}
			case *memory.WindowStrategy:
				if s, ok := got.(*memory.WindowStrategy); !ok || s.MaxMessages != 20 {
					t.Errorf("unexpected strategy %#v", got)
				}
			case *memory.TokenStrategy:
				if _, ok := got.(*memory.TokenStrategy); !ok {
					t.Errorf("unexpected strategy %T", got)
				}
			case *memory.SummarizationStrategy:
				if s, ok := got.(*memory.SummarizationStrategy); !ok || s.Summarizer == nil {
					t.Errorf("unexpected strategy %#v", got)
				}
			}
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := testConfig(t,
		"retry.max_attempts=7",
		"retry.initial_delay=5ms",
		"agent.fallback_message=down for maintenance",
		"agent.strict=true",
	)
	p := policy(cfg)
	if p.Provider.MaxAttempts != 7 || p.Tool.MaxAttempts != 7 {
		t.Errorf("attempts: provider=%d tool=%d", p.Provider.MaxAttempts, p.Tool.MaxAttempts)
	}
	if p.Provider.InitialDelay != 5*time.Millisecond {
		t.Errorf("initial delay %s", p.Provider.InitialDelay)
	}
	if !p.Strict {
		t.Error("strict not applied")
	}
	fb, ok := p.Fallback.(*resilience.StaticFallback)
	if !ok || fb.Value != "down for maintenance" {
		t.Errorf("unexpected fallback %#v", p.Fallback)
	}
}

func TestPolicyFallbackByCode(t *testing.T) {
	cfg := testConfig(t,
		"agent.fallback_message=down for maintenance",
		`agent.fallback_by_code={"rate_limited":"too busy, retry in a minute"}`,
	)
	p := policy(cfg)
	ctx := context.Background()

	answer, err := p.Recover(ctx, exoerrors.New(exoerrors.CodeRateLimit, "429", nil))
	if err != nil || answer != "too busy, retry in a minute" {
		t.Errorf("rate limited: %q, %v", answer, err)
	}
	answer, err = p.Recover(ctx, exoerrors.New(exoerrors.CodeTimeout, "slow", nil))
	if err != nil || answer != "down for maintenance" {
		t.Errorf("timeout: %q, %v", answer, err)
	}
}

func TestAgentConfigFromConfig(t *testing.T) {
	cfg := testConfig(t,
		"agent.max_iterations=2",
		"agent.temperature=0.1",
		"agent.memory_enabled=true",
		"agent.system_prompt=be brief",
		"agent.text_tool_protocol=true",
		"llm.max_tokens=256",
		"llm.timeout=3s",
	)
	c := agentConfig(cfg)
	if c.MaxIterations != 2 || c.Temperature != 0.1 || !c.MemoryEnabled {
		t.Errorf("unexpected agent config %+v", c)
	}
	if c.SystemPrompt != "be brief" || !c.TextToolProtocol || c.MaxTokens != 256 {
		t.Errorf("unexpected agent config %+v", c)
	}
	if c.ProviderTimeout != 3*time.Second || c.ToolTimeout != 30*time.Second {
		t.Errorf("timeouts: provider=%s tool=%s", c.ProviderTimeout, c.ToolTimeout)
	}
}

func TestBuildRuntime(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "llm.provider=mock", "memory.semantic=inmemory", "breaker.enabled=true", "agent.name=tester")
	rt, err := buildRuntime(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildRuntime: %v", err)
	}
	defer rt.Close()

	if rt.agent.Name() != "tester" {
		t.Errorf("agent name %q", rt.agent.Name())
	}
	if got := rt.agent.ListTools(); !slices.Equal(got, []string{memorytool.RecallName, memorytool.RememberName}) {
		t.Errorf("tools: %v", got)
	}
	res, err := rt.agent.Act(ctx, "hello")
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if res.Content != mockResponse {
		t.Errorf("content %q", res.Content)
	}

	reloaded, err := rt.newAgent(testConfig(t, "llm.provider=mock", "agent.name=reloaded", "agent.max_iterations=1"))
	if err != nil {
		t.Fatalf("newAgent: %v", err)
	}
	if reloaded.Memory() != rt.store || reloaded.Config().MaxIterations != 1 {
		t.Error("reloaded agent must share the store and take the new settings")
	}
}

func TestBuildRuntimeMCPServerFailureClosesBackends(t *testing.T) {
	cfg := testConfig(t, "llm.provider=mock")
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"broken": {Transport: "stdio", Command: filepath.Join(t.TempDir(), "missing-binary")},
	}
	rt, err := buildRuntime(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		rt.Close()
		t.Fatal("expected error for an unstartable MCP server")
	}
	if rt != nil {
		t.Error("runtime must be nil on error")
	}
}

func TestNewMCPServerExposesMemoryTools(t *testing.T) {
	e := &env{cfg: testConfig(t), logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	srv, rt, err := newMCPServer(context.Background(), e)
	if err != nil {
		t.Fatalf("newMCPServer: %v", err)
	}
	defer rt.Close()
	if srv.MCPServer() == nil {
		t.Fatal("server not created")
	}
	if got := rt.registry.Names(); !slices.Equal(got, []string{memorytool.RecallName, memorytool.RememberName}) {
		t.Errorf("tools: %v", got)
	}
}

func TestRuntimeCloseOrder(t *testing.T) {
	var order []int
	rt := testRuntime(t, testConfig(t))
	for i := range 3 {
		rt.onClose(func() error {
			order = append(order, i)
			if i == 1 {
				return errors.New("boom")
			}
			return nil
		})
	}
	err := rt.Close()
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected joined error, got %v", err)
	}
	if !slices.Equal(order, []int{2, 1, 0}) {
		t.Errorf("close order %v", order)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestNewRegistryAppliesToolFilter(t *testing.T) {
	ctx := context.Background()
	rt := testRuntime(t, testConfig(t, "memory.semantic=inmemory"))
	defer rt.Close()
	rt.cfg.Tools.Deny = []string{"memory_rem*"}

	store, err := rt.newStore(ctx, rt.cfg.Memory.Semantic)
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	rt.store = store
	reg, err := rt.newRegistry(ctx, false)
	if err != nil {
		t.Fatalf("newRegistry: %v", err)
	}
	if got := reg.Names(); !slices.Equal(got, []string{memorytool.RecallName}) {
		t.Errorf("tools: %v", got)
	}
}

func TestBreakerTransitionsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	rt := testRuntime(t, testConfig(t, "llm.provider=mock", "breaker.enabled=true", "breaker.failure_threshold=1", "retry.max_attempts=1"))
	rt.logger = slog.New(slog.NewTextHandler(&buf, nil))
	rt.provider = llm.NewScript(llm.Fail(llm.NewProviderError("mock", llm.KindTimeout, nil)))
	rt.store = memory.NewStore()
	rt.registry = tool.NewRegistry()

	ag, err := rt.newAgent(rt.cfg)
	if err != nil {
		t.Fatalf("newAgent: %v", err)
	}
	res, err := ag.Act(context.Background(), "hi")
	if err != nil || !res.Degraded {
		t.Fatalf("Act: %+v, %v", res, err)
	}
	if !strings.Contains(buf.String(), "cli.breaker.state") || !strings.Contains(buf.String(), "to=open") {
		t.Errorf("breaker transition not logged:\n%s", buf.String())
	}
}
