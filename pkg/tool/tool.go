// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package tool provides the tool abstraction, a name-keyed registry and the
// invoker that validates arguments before dispatching to a handler.
package tool

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/jllopis/exo/pkg/llm"
)

// ParamType is the JSON schema type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param describes one tool parameter.
type Param struct {
	Type        ParamType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description"`
	Required    bool      `json:"-" yaml:"required"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum"`
}

// Spec is the immutable description of a tool.
type Spec struct {
	Name        string
	Description string
	Params      map[string]Param
	// Idempotent tools may be retried after a failure.
	Idempotent bool
	// Timeout bounds a single call. Zero means no per-call bound.
	Timeout time.Duration
	// InputSchema, when set, is sent to providers instead of the schema
	// rendered from Params. Validation still uses Params.
	InputSchema any
}

// Required returns the names of the required parameters in sorted order.
func (s Spec) Required() []string {
	var out []string
	for name, p := range s.Params {
		if p.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Schema renders the parameters as a JSON schema object.
func (s Spec) Schema() map[string]any {
	props := make(map[string]any, len(s.Params))
	for name, p := range s.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := s.Required(); len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

// Definition converts s into the tool definition sent to providers.
func (s Spec) Definition() llm.Tool {
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.parameters(),
		},
	}
}

func (s Spec) parameters() any {
	if s.InputSchema != nil {
		return s.InputSchema
	}
	return s.Schema()
}

func (s Spec) clone() Spec {
	s.Params = maps.Clone(s.Params)
	for name, p := range s.Params {
		p.Enum = append([]string(nil), p.Enum...)
		s.Params[name] = p
	}
	return s
}

// Tool is a callable capability exposed to the model.
//
// Call receives arguments that have already been validated and coerced
// against Spec. The result is rendered into the tool message: strings are
// used verbatim, anything else is JSON encoded.
type Tool interface {
	Spec() Spec
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Func is the handler signature of a FunctionTool.
type Func func(ctx context.Context, args map[string]any) (any, error)

// FunctionTool adapts a Go function into a Tool.
type FunctionTool struct {
	spec Spec
	fn   Func
}

// New builds a FunctionTool.
func New(spec Spec, fn Func) *FunctionTool {
	return &FunctionTool{spec: spec.clone(), fn: fn}
}

// Spec implements Tool.
func (t *FunctionTool) Spec() Spec { return t.spec.clone() }

// Call implements Tool.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}
