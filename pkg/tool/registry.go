// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/resilience"
)

// Registry holds tools by unique name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

type entry struct {
	tool Tool
	spec Spec
}

// NewRegistry returns an empty registry, optionally pre-populated.
// It panics if tools contains duplicate names.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds t. Registering an existing name fails with
// *DuplicateToolError and leaves the first registration in place.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec().clone()
	if spec.Name == "" {
		return &ValidationError{Message: "tool name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return &DuplicateToolError{Name: spec.Name}
	}
	r.tools[spec.Name] = entry{tool: t, spec: spec}
	return nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return e.tool, nil
}

// Spec returns the registered spec for name.
func (r *Registry) Spec(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Spec{}, &UnknownToolError{Name: name}
	}
	return e.spec.clone(), nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the provider-facing definitions of every tool, sorted by name.
func (r *Registry) Definitions() []llm.Tool {
	names := r.Names()
	defs := make([]llm.Tool, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			defs = append(defs, e.spec.Definition())
		}
	}
	return defs
}

// Invoke validates args against the tool's schema and calls it.
//
// Unknown names fail with *UnknownToolError and schema violations with
// *ValidationError; in both cases no handler runs. Handler failures,
// including exceeding Spec.Timeout, are wrapped in *ExecutionError.
// On success the result is returned as a tool role message.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (llm.Message, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return llm.Message{}, &UnknownToolError{Name: name}
	}

	validated, err := Validate(e.spec, args)
	if err != nil {
		return llm.Message{}, err
	}

	result, err := resilience.WithTimeout(ctx, e.spec.Timeout, func(ctx context.Context) (any, error) {
		return e.tool.Call(ctx, validated)
	})
	if err != nil {
		if ctx.Err() != nil {
			return llm.Message{}, ctx.Err()
		}
		return llm.Message{}, &ExecutionError{ToolName: name, Cause: err}
	}

	content, err := renderResult(result)
	if err != nil {
		return llm.Message{}, &ExecutionError{ToolName: name, Cause: err}
	}
	return llm.Message{
		Role:      llm.RoleTool,
		Name:      name,
		Content:   content,
		CreatedAt: time.Now(),
	}, nil
}

// InvokeCall decodes a provider tool call and invokes it. The returned
// message carries the call ID.
func (r *Registry) InvokeCall(ctx context.Context, call llm.ToolCall) (llm.Message, error) {
	args, err := DecodeArguments(call.Function.Name, call.Function.Arguments)
	if err != nil {
		if _, resolveErr := r.Resolve(call.Function.Name); resolveErr != nil {
			return llm.Message{}, resolveErr
		}
		return llm.Message{}, err
	}
	msg, err := r.Invoke(ctx, call.Function.Name, args)
	if err != nil {
		return llm.Message{}, err
	}
	return llm.ToolResult(call, msg.Content), nil
}

func renderResult(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}
