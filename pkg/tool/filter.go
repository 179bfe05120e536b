// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"path"
	"slices"
	"strings"
)

// Filter decides which tools may be registered. Entries are exact names or
// path.Match patterns ("fs_*", "memory_?ecall").
//
// Evaluation order:
//  1. a name matching the deny list is rejected
//  2. with a non-empty allow list, a name must match it
//  3. everything else is allowed
//
// The zero Filter allows every tool.
type Filter struct {
	allow []string
	deny  []string
}

// NewFilter builds a Filter. Blank entries are ignored.
func NewFilter(allow, deny []string) *Filter {
	return &Filter{allow: clean(allow), deny: clean(deny)}
}

// Allows reports whether name passes the filter. A nil Filter allows all.
func (f *Filter) Allows(name string) bool {
	if f == nil {
		return true
	}
	if matches(name, f.deny) {
		return false
	}
	return len(f.allow) == 0 || matches(name, f.allow)
}

// Apply returns the tools that pass the filter, in input order.
func (f *Filter) Apply(tools []Tool) []Tool {
	if f == nil || (len(f.allow) == 0 && len(f.deny) == 0) {
		return tools
	}
	kept := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if f.Allows(t.Spec().Name) {
			kept = append(kept, t)
		}
	}
	return kept
}

// RegisterAll registers the tools that pass f and returns the names that
// were filtered out. It stops at the first registration error.
func (r *Registry) RegisterAll(f *Filter, tools ...Tool) (skipped []string, err error) {
	for _, t := range tools {
		name := t.Spec().Name
		if !f.Allows(name) {
			skipped = append(skipped, name)
			continue
		}
		if err := r.Register(t); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

func matches(name string, patterns []string) bool {
	if slices.Contains(patterns, name) {
		return true
	}
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func clean(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
