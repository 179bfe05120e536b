// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory keeps what an agent knows.
//
// Session memory is the ordered conversation of one agent session. Semantic
// memory is a set of immutable, embedding-indexed records that outlive any
// session. The two have independent lifetimes: Store.Clear empties the
// session and never touches semantic records, which only Store.Purge removes.
package memory

import (
	"fmt"
	"time"

	exoerrors "github.com/jllopis/exo/pkg/errors"
)

// MetadataKey is the metadata entry holding a record's logical key. A newer
// record with the same key supersedes older ones on recall.
const MetadataKey = "key"

// MetadataRole is the metadata entry used as the session message role when a
// record is remembered. It defaults to "user".
const MetadataRole = "role"

// Record is a unit of semantic memory. Records are never modified once
// written; an update is a new record carrying the same logical key.
type Record struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key returns the record's logical key, or its ID when none is set.
func (r Record) Key() string {
	if k, ok := r.Metadata[MetadataKey].(string); ok && k != "" {
		return k
	}
	return r.ID
}

// Hit is a recalled record with its similarity to the query.
type Hit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// EncodingError reports a query or document that could not be embedded.
type EncodingError struct {
	Query string
	Cause error
}

func (e *EncodingError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("memory: cannot encode %q", e.Query)
	}
	return fmt.Sprintf("memory: cannot encode %q: %v", e.Query, e.Cause)
}

func (e *EncodingError) Unwrap() error { return e.Cause }

// Code implements errors.Coder.
func (e *EncodingError) Code() exoerrors.ErrorCode { return exoerrors.CodeEncoding }

// DuplicateRecordError reports an insert with an ID that is already
// stored. Records are immutable; a new version needs a new ID and the same
// logical key.
type DuplicateRecordError struct {
	ID string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("memory: record %q already exists", e.ID)
}

// Code implements errors.Coder.
func (e *DuplicateRecordError) Code() exoerrors.ErrorCode { return exoerrors.CodeDuplicateRecord }

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
