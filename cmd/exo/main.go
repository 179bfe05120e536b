// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the exo CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jllopis/exo/pkg/config"
	"github.com/jllopis/exo/pkg/telemetry"
)

const (
	serviceName = "exo"
	version     = "0.1.0"
)

type globalFlags struct {
	Config config.CLIArgs
	JSON   bool
	Help   bool
}

// env carries what every command receives.
type env struct {
	flags  globalFlags
	cfg    *config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one CLI invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags, rest, err := parseGlobalFlags(args)
	if err != nil {
		return report(stderr, NewInvalidArgumentError("flags", err.Error()), false)
	}
	if flags.Help || len(rest) == 0 {
		printUsage(stdout)
		return 0
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintf(stdout, "exo %s\n", version)
		return 0
	}

	cfg, err := flags.Config.Load()
	if err != nil {
		return report(stderr, NewConfigError(err, flags.Config.ConfigPath), flags.JSON)
	}
	if err := cfg.Validate(); err != nil {
		return report(stderr, NewConfigError(err, flags.Config.ConfigPath), flags.JSON)
	}

	logger := telemetry.ConfigureSlog(stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig(serviceName, version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return report(stderr, NewConfigError(err, flags.Config.ConfigPath), flags.JSON)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("cli.telemetry.shutdown", slog.String("error", err.Error()))
		}
	}()

	e := &env{flags: flags, cfg: cfg, logger: logger, stdin: stdin, stdout: stdout, stderr: stderr}
	switch cmd {
	case "run":
		err = runPrompt(ctx, e, cmdArgs)
	case "chat":
		err = runChat(ctx, e, cmdArgs)
	case "config":
		err = runConfig(e, cmdArgs)
	case "mcp-serve":
		err = runMCPServe(ctx, e, cmdArgs)
	default:
		err = NewInvalidArgumentError(cmd, fmt.Sprintf("unknown command %q", cmd))
	}
	if err != nil {
		return report(stderr, err, flags.JSON)
	}
	return 0
}

// parseGlobalFlags splits the configuration flags, which may appear anywhere,
// from the leading --json/--help flags and the command line that follows.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	cli, err := config.ParseCLIArgs(args)
	if err != nil {
		return globalFlags{}, nil, err
	}
	flags := globalFlags{Config: cli}
	rest := cli.Rest
	for len(rest) > 0 {
		arg := rest[0]
		if arg == "--" {
			return flags, rest[1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "-h", "--help":
			flags.Help = true
		case "--json":
			flags.JSON = true
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
		rest = rest[1:]
	}
	flags.Config.Rest = rest
	return flags, rest, nil
}

func report(w io.Writer, err error, asJSON bool) int {
	ce := asCLIError(err)
	ce.PrintError(w, asJSON)
	return ce.ExitCode()
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `exo runs a tool-using agent against an LLM provider.

Usage:
  exo [global flags] <command> [args]

Commands:
  run "<prompt>"   Run one prompt and print the answer
  chat             Read prompts from stdin, one per line, in a single session
  config           Print the effective configuration as YAML
  mcp-serve        Serve the built-in tools over MCP on stdio
  version          Print the version
  help             Show this help

Global flags:
  --config <file>      Configuration file (YAML)
  --profile <name>     Merge <config>.<name>.yaml over the config file
  --set key=value      Override a configuration key (repeatable)
  --json               Print results and errors as JSON
  -h, --help           Show this help

Environment variables prefixed with EXO_ override configuration keys,
e.g. EXO_AGENT_MAX_ITERATIONS=3.
`)
}
