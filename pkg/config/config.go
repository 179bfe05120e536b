// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Exo settings from defaults, a YAML file, an optional
// profile file, EXO_ environment variables and --set overrides, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/resilience"
)

// EnvPrefix prefixes environment overrides: EXO_AGENT_MAX_ITERATIONS sets
// agent.max_iterations.
const EnvPrefix = "EXO_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Agent     AgentConfig     `koanf:"agent"`
	Retry     RetryConfig     `koanf:"retry"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Memory    MemoryConfig    `koanf:"memory"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Tools     ToolsConfig     `koanf:"tools"`
	MCP       MCPConfig       `koanf:"mcp"`

	k *koanf.Koanf
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider     string        `koanf:"provider"` // ollama, openai, anthropic, gemini, mock
	Model        string        `koanf:"model"`
	BaseURL      string        `koanf:"base_url"`
	APIKey       string        `koanf:"api_key"`
	Organization string        `koanf:"organization"` // openai only
	KeepAlive    time.Duration `koanf:"keep_alive"`   // ollama only
	MaxTokens    int           `koanf:"max_tokens"`
	TopP         float64       `koanf:"top_p"`
	TopK         int           `koanf:"top_k"`
	Timeout      time.Duration `koanf:"timeout"`
}

type AgentConfig struct {
	Name             string        `koanf:"name"`
	MaxIterations    int           `koanf:"max_iterations"`
	Temperature      float64       `koanf:"temperature"`
	MemoryEnabled    bool          `koanf:"memory_enabled"`
	Verbose          bool          `koanf:"verbose"`
	Strict           bool          `koanf:"strict"`
	SystemPrompt     string        `koanf:"system_prompt"`
	RecallK          int           `koanf:"recall_k"`
	ToolTimeout      time.Duration `koanf:"tool_timeout"`
	FallbackMessage  string        `koanf:"fallback_message"`
	TextToolProtocol bool          `koanf:"text_tool_protocol"`

	// FallbackByCode maps lower-case error codes (rate_limited, timeout,
	// circuit_open) to the answer given for that failure.
	FallbackByCode map[string]string `koanf:"fallback_by_code"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	Jitter       float64       `koanf:"jitter"`
}

// Resilience converts the settings into a resilience.RetryConfig.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = r.MaxAttempts
	rc.InitialDelay = r.InitialDelay
	rc.MaxDelay = r.MaxDelay
	rc.Multiplier = r.Multiplier
	rc.Jitter = r.Jitter
	return rc
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold"`
	Timeout          time.Duration `koanf:"timeout"`
}

type MemoryConfig struct {
	Session     string `koanf:"session"` // inmemory, file, redis
	SessionPath string `koanf:"session_path"`
	SessionID   string `koanf:"session_id"`
	RedisAddr   string `koanf:"redis_addr"`

	Truncation string `koanf:"truncation"` // none, window, token, summarize
	Window     int    `koanf:"window"`
	MaxTokens  int    `koanf:"max_tokens"`

	Semantic   string `koanf:"semantic"` // none, inmemory, sqlite, qdrant
	SQLitePath string `koanf:"sqlite_path"`
	QdrantAddr string `koanf:"qdrant_addr"`
	Collection string `koanf:"collection"`

	QdrantAPIKey string `koanf:"qdrant_api_key"`
	QdrantTLS    bool   `koanf:"qdrant_tls"`

	Embedder        string `koanf:"embedder"` // hash, ollama, openai
	EmbedderModel   string `koanf:"embedder_model"`
	EmbedderBaseURL string `koanf:"embedder_base_url"`
	EmbedderDim     int    `koanf:"embedder_dimension"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// ToolsConfig restricts which tools are registered. Entries are names or
// path.Match patterns such as "fs_*".
type ToolsConfig struct {
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
}

type MCPServerConfig struct {
	Transport       string            `koanf:"transport"` // stdio, http
	Command         string            `koanf:"command"`
	Args            []string          `koanf:"args"`
	Env             map[string]string `koanf:"env"`
	URL             string            `koanf:"url"`
	Headers         map[string]string `koanf:"headers"`
	ProtocolVersion string            `koanf:"protocol_version"`
	Timeout         time.Duration     `koanf:"timeout"`
	// ToolPrefix is prepended to the server's tool names, as in "<prefix>_<tool>".
	ToolPrefix string `koanf:"tool_prefix"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "text",

	"llm.provider": "ollama",
	"llm.timeout":  "60s",

	"agent.name":           "exo",
	"agent.max_iterations": 5,
	"agent.temperature":    0.7,
	"agent.recall_k":       3,
	"agent.tool_timeout":   "30s",

	"retry.max_attempts":  3,
	"retry.initial_delay": "500ms",
	"retry.max_delay":     "10s",
	"retry.multiplier":    2.0,
	"retry.jitter":        0.1,

	"breaker.enabled":           false,
	"breaker.failure_threshold": 5,
	"breaker.timeout":           "30s",

	"memory.session":            "inmemory",
	"memory.session_path":       "exo-session.jsonl",
	"memory.redis_addr":         "localhost:6379",
	"memory.truncation":         "none",
	"memory.window":             20,
	"memory.max_tokens":         4000,
	"memory.semantic":           "none",
	"memory.sqlite_path":        "exo-memory.db",
	"memory.qdrant_addr":        "localhost:6334",
	"memory.collection":         "exo_memory",
	"memory.embedder":           "hash",
	"memory.embedder_dimension": 256,

	"telemetry.exporter":      "none",
	"telemetry.otlp_endpoint": "localhost:4317",
	"telemetry.otlp_insecure": true,
}

// Load reads path (optional) on top of the defaults and applies EXO_
// environment overrides.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load plus, when profile is set, the file next to path
// named <name>.<profile><ext> (config.yaml -> config.dev.yaml). A missing
// profile file is ignored.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI parses --config, --profile and --set flags from args and
// loads the result. Other arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	cli, err := ParseCLIArgs(args)
	if err != nil {
		return nil, err
	}
	return cli.Load()
}

func load(path, profile string, sets []override) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if pp := profileConfigPath(path, profile); pp != "" {
			if err := k.Load(file.Provider(pp), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", pp, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, o := range sets {
		if err := k.Set(o.key, o.value); err != nil {
			return nil, fmt.Errorf("apply --set %s: %w", o.key, err)
		}
	}

	cfg := &Config{k: k}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps EXO_AGENT_MAX_ITERATIONS to agent.max_iterations: the first
// underscore separates the section from the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// ProfilePath returns the profile file that belongs to path.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

// profileConfigPath returns the profile file of base, or "" when there is
// no profile or the file does not exist.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	p := ProfilePath(base, profile)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// Raw returns the effective settings as a nested map.
func (c *Config) Raw() map[string]any {
	if c.k == nil {
		return map[string]any{}
	}
	return c.k.Raw()
}

var (
	providers  = []string{"ollama", "openai", "anthropic", "gemini", "mock"}
	sessions   = []string{"inmemory", "file", "redis"}
	semantics  = []string{"none", "inmemory", "sqlite", "qdrant"}
	truncation = []string{"none", "window", "token", "summarize"}
	embedders  = []string{"hash", "ollama", "openai"}
	exporters  = []string{"none", "stdout", "otlp"}
	transports = []string{"stdio", "http"}
)

// Validate checks ranges and enumerations. Errors carry errors.CodeInvalidInput.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return invalid("agent.max_iterations", c.Agent.MaxIterations, "must be at least 1")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 1 {
		return invalid("agent.temperature", c.Agent.Temperature, "must be within [0, 1]")
	}
	if c.Agent.RecallK < 0 {
		return invalid("agent.recall_k", c.Agent.RecallK, "must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts", c.Retry.MaxAttempts, "must be at least 1")
	}
	checks := []struct {
		key, value string
		allowed    []string
	}{
		{"llm.provider", c.LLM.Provider, providers},
		{"memory.session", c.Memory.Session, sessions},
		{"memory.semantic", c.Memory.Semantic, semantics},
		{"memory.truncation", c.Memory.Truncation, truncation},
		{"memory.embedder", c.Memory.Embedder, embedders},
		{"telemetry.exporter", c.Telemetry.Exporter, exporters},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.allowed, ch.value) {
			return invalid(ch.key, ch.value, "must be one of "+strings.Join(ch.allowed, ", "))
		}
	}
	for name, s := range c.MCP.Servers {
		key := "mcp.servers." + name
		transport := s.Transport
		if transport == "" {
			transport = "stdio"
		}
		if !slices.Contains(transports, transport) {
			return invalid(key+".transport", s.Transport, "must be stdio or http")
		}
		if transport == "stdio" && s.Command == "" {
			return invalid(key+".command", "", "is required for stdio servers")
		}
		if transport == "http" && s.URL == "" {
			return invalid(key+".url", "", "is required for http servers")
		}
	}
	for key, patterns := range map[string][]string{"tools.allow": c.Tools.Allow, "tools.deny": c.Tools.Deny} {
		for _, p := range patterns {
			if _, err := path.Match(p, ""); err != nil {
				return invalid(key, p, "is not a valid pattern")
			}
		}
	}
	return nil
}

func invalid(key string, value any, msg string) error {
	return errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid config %s: %s", key, msg), nil).
		WithContext("key", key).
		WithContext("value", value)
}
