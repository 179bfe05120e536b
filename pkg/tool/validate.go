// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Validate checks args against spec and returns a copy with every declared
// parameter coerced to its schema type. Required parameters must be present
// and non-nil; undeclared arguments are passed through untouched.
func Validate(spec Spec, args map[string]any) (map[string]any, error) {
	for _, name := range spec.Required() {
		if v, ok := args[name]; !ok || v == nil {
			return nil, &ValidationError{
				Tool:    spec.Name,
				Field:   name,
				Message: "required field is missing",
			}
		}
	}

	out := make(map[string]any, len(args))
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := args[name]
		param, declared := spec.Params[name]
		if !declared || value == nil {
			out[name] = value
			continue
		}
		coerced, ok := coerce(value, param.Type)
		if !ok {
			return nil, &ValidationError{
				Tool:    spec.Name,
				Field:   name,
				Value:   value,
				Message: fmt.Sprintf("expected type %s, got %T", param.Type, value),
			}
		}
		if len(param.Enum) > 0 {
			s, _ := coerced.(string)
			if !slices.Contains(param.Enum, s) {
				return nil, &ValidationError{
					Tool:    spec.Name,
					Field:   name,
					Value:   value,
					Message: fmt.Sprintf("must be one of %s", strings.Join(param.Enum, ", ")),
				}
			}
		}
		out[name] = coerced
	}
	return out, nil
}

// DecodeArguments parses the JSON object a provider sent as tool arguments.
func DecodeArguments(toolName, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, &ValidationError{
			Tool:    toolName,
			Message: fmt.Sprintf("arguments are not a JSON object: %v", err),
		}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ValidationError{
			Tool:    toolName,
			Message: "arguments have trailing data after the JSON object",
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func coerce(v any, t ParamType) (any, bool) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, true
		case json.Number:
			return x.String(), true
		case bool, int, int32, int64, float32, float64:
			return fmt.Sprint(x), true
		}
		return nil, false
	case TypeInteger:
		return toInteger(v)
	case TypeNumber:
		return toNumber(v)
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, true
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			return b, err == nil
		}
		return nil, false
	case TypeArray:
		if _, ok := v.([]any); ok {
			return v, true
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, true
		}
		return nil, false
	default:
		// Untyped parameters accept anything.
		return v, true
	}
}

func toInteger(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float32:
		return wholeFloat(float64(x))
	case float64:
		return wholeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return wholeFloat(f)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return i, true
		}
	}
	return nil, false
}

// wholeFloat accepts floats that are integers within the int64 range.
// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
func wholeFloat(f float64) (any, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, false
	}
	return int64(f), true
}

func toNumber(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return nil, false
}
