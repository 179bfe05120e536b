// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/exo/pkg/agent"
	"github.com/jllopis/exo/pkg/config"
	"github.com/jllopis/exo/pkg/core"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/mcp"
)

const redacted = "********"

type runOutput struct {
	RunID      string    `json:"run_id"`
	Prompt     string    `json:"prompt"`
	Response   string    `json:"response"`
	Iterations int       `json:"iterations"`
	StopReason string    `json:"stop_reason"`
	Degraded   bool      `json:"degraded,omitempty"`
	Error      string    `json:"error,omitempty"`
	Usage      llm.Usage `json:"usage"`
}

func runPrompt(ctx context.Context, e *env, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return NewInvalidArgumentError("prompt", "run needs a prompt")
	}

	rt, err := buildRuntime(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, e.logger)

	ctx = core.WithSessionID(ctx, sessionID(e.cfg))
	res, err := rt.agent.Act(ctx, prompt)
	if err != nil {
		return err
	}
	return printResult(e, prompt, res)
}

func runChat(ctx context.Context, e *env, args []string) error {
	watch := false
	for _, arg := range args {
		switch arg {
		case "--watch", "-watch":
			watch = true
		default:
			return NewInvalidArgumentError(arg, fmt.Sprintf("unknown chat flag %q", arg))
		}
	}

	rt, err := buildRuntime(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, e.logger)

	var current atomic.Pointer[agent.Agent]
	current.Store(rt.agent)

	if watch {
		path := e.flags.Config.ConfigPath
		if path == "" {
			return NewInvalidArgumentError("--watch", "chat --watch needs --config")
		}
		watcher, _, err := config.WatchConfig(ctx, path, e.flags.Config.Profile, config.WithWatchLogger(e.logger))
		if err != nil {
			return NewConfigError(err, path)
		}
		defer watcher.Stop()
		// Provider and memory backends stay; agent, retry and breaker
		// settings follow the file.
		watcher.OnChange(func(cfg *config.Config) {
			ag, err := rt.newAgent(cfg)
			if err != nil {
				e.logger.Error("cli.chat.reload.error", slog.String("error", err.Error()))
				return
			}
			current.Store(ag)
			e.logger.Info("cli.chat.reloaded", slog.String("agent", ag.String()))
		})
	}

	ctx = core.WithSessionID(ctx, sessionID(e.cfg))
	if !e.flags.JSON {
		fmt.Fprintf(e.stdout, "%s\nType /help for commands, /exit to quit.\n", rt.agent)
	}

	scanner := bufio.NewScanner(e.stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := chatCommand(ctx, e, current.Load(), input); quit {
				return nil
			}
			continue
		}

		res, err := current.Load().Act(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			asCLIError(err).PrintError(e.stderr, e.flags.JSON)
			continue
		}
		if err := printResult(e, input, res); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// chatCommand handles a slash command and reports whether to quit.
func chatCommand(ctx context.Context, e *env, ag *agent.Agent, input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/exit", "/quit":
		return true
	case "/tools":
		tools := ag.ListTools()
		if e.flags.JSON {
			_ = json.NewEncoder(e.stdout).Encode(map[string]any{"tools": tools})
			return false
		}
		if len(tools) == 0 {
			fmt.Fprintln(e.stdout, "No tools available")
			return false
		}
		fmt.Fprintln(e.stdout, "Available tools:")
		for _, name := range tools {
			fmt.Fprintf(e.stdout, "  - %s\n", name)
		}
	case "/clear":
		if err := ag.ClearMemory(ctx); err != nil {
			asCLIError(err).PrintError(e.stderr, e.flags.JSON)
			return false
		}
		if !e.flags.JSON {
			fmt.Fprintln(e.stdout, "Conversation cleared")
		}
	case "/help":
		if !e.flags.JSON {
			fmt.Fprintln(e.stdout, `Commands:
  /help     Show this help
  /tools    List available tools
  /clear    Clear the conversation (semantic memory is kept)
  /exit     Exit`)
		}
	default:
		asCLIError(NewInvalidArgumentError(input, "unknown chat command")).PrintError(e.stderr, e.flags.JSON)
	}
	return false
}

func printResult(e *env, prompt string, res *agent.Result) error {
	if res.Degraded {
		e.logger.Warn("cli.run.degraded", slog.String("run_id", res.RunID), slog.Any("error", res.Err))
	}
	if !e.flags.JSON {
		_, err := fmt.Fprintln(e.stdout, res.Content)
		return err
	}
	out := runOutput{
		RunID:      res.RunID,
		Prompt:     prompt,
		Response:   res.Content,
		Iterations: res.Iterations,
		StopReason: string(res.StopReason),
		Degraded:   res.Degraded,
		Usage:      res.Usage,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return json.NewEncoder(e.stdout).Encode(out)
}

func runConfig(e *env, args []string) error {
	if len(args) > 0 {
		return NewInvalidArgumentError(args[0], "config takes no arguments")
	}
	raw := redact(e.cfg.Raw())
	if e.flags.JSON {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(raw)
	}
	enc := yaml.NewEncoder(e.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(raw); err != nil {
		return err
	}
	return enc.Close()
}

// redact hides secrets in a raw settings map.
func redact(raw map[string]any) map[string]any {
	if section, ok := raw["llm"].(map[string]any); ok {
		if key, _ := section["api_key"].(string); key != "" {
			section["api_key"] = redacted
		}
	}
	return raw
}

func runMCPServe(ctx context.Context, e *env, args []string) error {
	if len(args) > 0 {
		return NewInvalidArgumentError(args[0], "mcp-serve takes no arguments")
	}
	srv, rt, err := newMCPServer(ctx, e)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, e.logger)

	e.logger.Info("cli.mcp.serve", slog.Any("tools", rt.registry.Names()))
	if err := srv.Serve(ctx, e.stdin, e.stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newMCPServer exposes the memory tools. Semantic memory falls back to an
// in-memory index when memory.semantic is none.
func newMCPServer(ctx context.Context, e *env) (*mcp.Server, *runtime, error) {
	rt := &runtime{cfg: e.cfg, logger: e.logger}
	semantic := e.cfg.Memory.Semantic
	if semantic == "" || semantic == "none" {
		semantic = "inmemory"
	}
	var err error
	if rt.store, err = rt.newStore(ctx, semantic); err != nil {
		closeRuntime(rt, e.logger)
		return nil, nil, err
	}
	if rt.registry, err = rt.newRegistry(ctx, false); err != nil {
		closeRuntime(rt, e.logger)
		return nil, nil, err
	}
	srv, err := mcp.NewServer(serviceName, version, rt.registry)
	if err != nil {
		closeRuntime(rt, e.logger)
		return nil, nil, err
	}
	return srv, rt, nil
}

func closeRuntime(rt *runtime, logger *slog.Logger) {
	if err := rt.Close(); err != nil {
		logger.Warn("cli.runtime.close", slog.String("error", err.Error()))
	}
}
