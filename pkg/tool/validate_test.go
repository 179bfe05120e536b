// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCoercion(t *testing.T) {
	spec := Spec{
		Name: "t",
		Params: map[string]Param{
			"s": {Type: TypeString},
			"i": {Type: TypeInteger},
			"n": {Type: TypeNumber},
			"b": {Type: TypeBoolean},
			"a": {Type: TypeArray},
			"o": {Type: TypeObject},
			"e": {Type: TypeString, Enum: []string{"asc", "desc"}},
		},
	}

	tests := []struct {
		name  string
		field string
		in    any
		want  any
		ok    bool
	}{
		{"string stays", "s", "x", "x", true},
		{"number to string", "s", json.Number("12"), "12", true},
		{"whole float to integer", "i", float64(3), int64(3), true},
		{"json number to integer", "i", json.Number("7"), int64(7), true},
		{"numeric string to integer", "i", "42", int64(42), true},
		{"fractional float rejected", "i", 1.5, nil, false},
		{"float beyond int64 rejected", "i", 1e19, nil, false},
		{"float at 2^63 rejected", "i", math.Exp2(63), nil, false},
		{"negative float beyond int64 rejected", "i", -1e19, nil, false},
		{"json number beyond int64 rejected", "i", json.Number("1e19"), nil, false},
		{"float at -2^63 kept", "i", -math.Exp2(63), int64(math.MinInt64), true},
		{"word rejected as integer", "i", "many", nil, false},
		{"int to number", "n", 2, float64(2), true},
		{"string to number", "n", "2.5", 2.5, true},
		{"bool stays", "b", true, true, true},
		{"bool string", "b", "false", false, true},
		{"bad bool", "b", "maybe", nil, false},
		{"any slice", "a", []any{1, "x"}, []any{1, "x"}, true},
		{"string slice", "a", []string{"x", "y"}, []any{"x", "y"}, true},
		{"scalar not array", "a", "x", nil, false},
		{"object", "o", map[string]any{"k": 1}, map[string]any{"k": 1}, true},
		{"scalar not object", "o", 1, nil, false},
		{"enum ok", "e", "asc", "asc", true},
		{"enum rejected", "e", "up", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Validate(spec, map[string]any{tt.field: tt.in})
			if !tt.ok {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out[tt.field])
		})
	}
}

func TestValidateRequiredAndExtras(t *testing.T) {
	spec := Spec{Name: "t", Params: map[string]Param{"q": {Type: TypeString, Required: true}}}

	_, err := Validate(spec, map[string]any{"q": nil})
	require.Error(t, err, "nil counts as missing")

	out, err := Validate(spec, map[string]any{"q": "go", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out["extra"])
}

func TestDecodeArguments(t *testing.T) {
	args, err := DecodeArguments("t", "")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = DecodeArguments("t", `{"n": 10}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), args["n"])

	_, err = DecodeArguments("t", `[1]`)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	for _, raw := range []string{`{"a":1}garbage`, `{"a":1} {"b":2}`, `{"a":1}}`} {
		_, err = DecodeArguments("t", raw)
		require.ErrorAs(t, err, &verr, "trailing data in %s", raw)
	}

	args, err = DecodeArguments("t", "{\"a\": 1}\n  ")
	require.NoError(t, err, "trailing whitespace is fine")
	assert.Equal(t, json.Number("1"), args["a"])
}
