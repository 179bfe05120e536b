package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Settings come from defaults, then the file, then EXO_* variables, then
// --set flags.
func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exo.json")
	body := `{"llm": {"provider": "ollama", "model": "from-file"}, "agent": {"max_iterations": 3, "recall_k": 7}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXO_LLM_PROVIDER", "openai")
	t.Setenv("EXO_AGENT_MAX_ITERATIONS", "4")

	cfg, err := LoadWithCLI([]string{"--config", path, "--set", "agent.max_iterations=6"})
	if err != nil {
		t.Fatalf("LoadWithCLI: %v", err)
	}

	checks := []struct {
		key       string
		got, want any
	}{
		{"llm.model (file)", cfg.LLM.Model, "from-file"},
		{"agent.recall_k (file)", cfg.Agent.RecallK, 7},
		{"llm.provider (env)", cfg.LLM.Provider, "openai"},
		{"agent.max_iterations (flag)", cfg.Agent.MaxIterations, 6},
		{"retry.max_attempts (default)", cfg.Retry.MaxAttempts, 3},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.key, c.got, c.want)
		}
	}
}

func TestSetValues(t *testing.T) {
	cfg, err := LoadWithCLI([]string{
		"--set", "agent.memory_enabled=true",
		"--set", "agent.tool_timeout=12s",
		"--set=retry.max_attempts=5",
		"--set", `mcp.servers={"web":{"transport":"http","url":"http://localhost:8080/mcp"}}`,
		"--set", `tools.deny=["shell_*"]`,
		"--set", "agent.system_prompt=answer as key=value pairs",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI: %v", err)
	}
	if !cfg.Agent.MemoryEnabled || cfg.Agent.ToolTimeout != 12*time.Second || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("scalar overrides not applied: %+v %+v", cfg.Agent, cfg.Retry)
	}
	if cfg.Agent.SystemPrompt != "answer as key=value pairs" {
		t.Errorf("value split on '=': %q", cfg.Agent.SystemPrompt)
	}
	if s := cfg.MCP.Servers["web"]; s.Transport != "http" || s.URL != "http://localhost:8080/mcp" {
		t.Errorf("unexpected MCP server %+v", s)
	}
	if len(cfg.Tools.Deny) != 1 || cfg.Tools.Deny[0] != "shell_*" {
		t.Errorf("tools.deny = %v", cfg.Tools.Deny)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseCLIArgsKeepsPositionalArguments(t *testing.T) {
	cli, err := ParseCLIArgs([]string{"--config", "exo.yaml", "run", "--profile=dev", "what time is it", "--set", "llm.model=x"})
	if err != nil {
		t.Fatalf("ParseCLIArgs: %v", err)
	}
	if cli.ConfigPath != "exo.yaml" || cli.Profile != "dev" {
		t.Errorf("unexpected flags %+v", cli)
	}
	if len(cli.Sets) != 1 || cli.Sets[0] != "llm.model=x" {
		t.Errorf("unexpected sets %v", cli.Sets)
	}
	if len(cli.Rest) != 2 || cli.Rest[0] != "run" || cli.Rest[1] != "what time is it" {
		t.Errorf("unexpected rest %v", cli.Rest)
	}
}

func TestParseCLIOverridesErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--config"},
		{"--set"},
		{"--set", "no-equals-sign"},
		{"--set", "=value"},
		{"--set", "mcp.servers={broken"},
	} {
		if _, _, err := parseCLIOverrides(args); err == nil {
			t.Errorf("parseCLIOverrides(%q) succeeded", args)
		}
	}
}
