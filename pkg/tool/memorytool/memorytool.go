// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package memorytool exposes semantic memory to the model as two tools:
// memory_remember writes a note and memory_recall searches notes.
package memorytool

import (
	"context"
	"errors"
	"fmt"

	"github.com/jllopis/exo/pkg/memory"
	"github.com/jllopis/exo/pkg/tool"
)

const (
	RememberName = "memory_remember"
	RecallName   = "memory_recall"

	defaultRecallK = 3
	maxRecallK     = 20
)

// SourceTool is the metadata "source" value of notes written by the model.
const SourceTool = "tool"

// Tools returns both memory tools bound to sem.
func Tools(sem *memory.Semantic) []tool.Tool {
	return []tool.Tool{Remember(sem), Recall(sem)}
}

// Remember returns the memory_remember tool.
func Remember(sem *memory.Semantic) *tool.FunctionTool {
	return tool.New(tool.Spec{
		Name:        RememberName,
		Description: "Store a fact in long-term memory. Use key to replace an earlier fact about the same subject.",
		Params: map[string]tool.Param{
			"content": {Type: tool.TypeString, Required: true, Description: "the fact to remember"},
			"key":     {Type: tool.TypeString, Description: "logical key; a newer note with the same key supersedes older ones"},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		content, _ := args["content"].(string)
		meta := map[string]any{"source": SourceTool}
		if key, _ := args["key"].(string); key != "" {
			meta[memory.MetadataKey] = key
		}
		rec, err := sem.Insert(ctx, memory.Record{Content: content, Metadata: meta})
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": rec.ID, "stored": true}, nil
	})
}

type recalled struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Recall returns the memory_recall tool.
func Recall(sem *memory.Semantic) *tool.FunctionTool {
	return tool.New(tool.Spec{
		Name:        RecallName,
		Description: "Search long-term memory for facts related to a query.",
		Params: map[string]tool.Param{
			"query": {Type: tool.TypeString, Required: true, Description: "what to look for"},
			"k":     {Type: tool.TypeInteger, Description: fmt.Sprintf("maximum results (default %d, at most %d)", defaultRecallK, maxRecallK)},
		},
		Idempotent: true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		k := defaultRecallK
		if v, ok := args["k"].(int64); ok {
			k = int(v)
		}
		if k > maxRecallK {
			k = maxRecallK
		}

		hits, err := sem.Query(ctx, query, k, nil)
		if err != nil {
			var encErr *memory.EncodingError
			if errors.As(err, &encErr) {
				return []recalled{}, nil
			}
			return nil, err
		}
		out := make([]recalled, len(hits))
		for i, h := range hits {
			out[i] = recalled{ID: h.Record.ID, Content: h.Record.Content, Score: h.Score, Metadata: h.Record.Metadata}
		}
		return out, nil
	})
}
