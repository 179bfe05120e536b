// SPDX-License-Identifier: Apache-2.0
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CLIArgs are the configuration flags found on a command line.
type CLIArgs struct {
	ConfigPath string
	Profile    string
	Sets       []string
	// Rest holds the arguments that are not configuration flags, in order.
	Rest []string
}

type override struct {
	key   string
	value any
}

// ParseCLIArgs extracts --config, --profile (alias --env) and repeated
// --set key=value flags. Both "--flag value" and "--flag=value" forms are accepted.
func ParseCLIArgs(args []string) (CLIArgs, error) {
	cli, _, err := parseCLIOverrides(args)
	return cli, err
}

// Load loads the configuration the flags describe.
func (c CLIArgs) Load() (*Config, error) {
	sets := make([]override, 0, len(c.Sets))
	for _, s := range c.Sets {
		o, err := parseSet(s)
		if err != nil {
			return nil, err
		}
		sets = append(sets, o)
	}
	return load(c.ConfigPath, c.Profile, sets)
}

func parseCLIOverrides(args []string) (CLIArgs, []override, error) {
	var cli CLIArgs
	var sets []override
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, inline := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			cli.Rest = append(cli.Rest, arg)
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				return CLIArgs{}, nil, fmt.Errorf("missing value for %s", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			cli.ConfigPath = value
		case "--profile", "--env":
			cli.Profile = value
		case "--set":
			o, err := parseSet(value)
			if err != nil {
				return CLIArgs{}, nil, err
			}
			cli.Sets = append(cli.Sets, value)
			sets = append(sets, o)
		}
	}
	return cli, sets, nil
}

// parseSet splits key=value. Values starting with { or [ are decoded as JSON.
func parseSet(s string) (override, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return override{}, fmt.Errorf("invalid --set %q: expected key=value", s)
	}
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return override{}, fmt.Errorf("invalid --set %s: %w", key, err)
		}
		return override{key: key, value: decoded}, nil
	}
	return override{key: key, value: value}, nil
}
