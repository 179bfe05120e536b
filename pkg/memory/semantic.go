// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Semantic composes an Embedder and a VectorIndex into long-term memory:
// documents go in as (content, metadata, id) and come back ranked by
// similarity to a query.
type Semantic struct {
	embedder Embedder
	index    VectorIndex
	now      func() time.Time
}

// NewSemantic creates semantic memory over index, embedding with embedder.
func NewSemantic(embedder Embedder, index VectorIndex) *Semantic {
	return &Semantic{embedder: embedder, index: index, now: time.Now}
}

// Initialize prepares the index. Indexes implementing CollectionCreator
// receive the embedder's dimension, probed with a sample embedding.
func (s *Semantic) Initialize(ctx context.Context) error {
	creator, ok := s.index.(CollectionCreator)
	if !ok {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("failed to probe embedding dimension: %w", err)
	}
	return creator.CreateCollection(ctx, len(vec))
}

// Insert embeds and indexes rec. A missing ID is generated and a zero
// CreatedAt is stamped with the current time. The stored record is returned.
// An ID that is already indexed fails with *DuplicateRecordError and the
// stored record is left untouched.
func (s *Semantic) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Metadata = cloneMetadata(rec.Metadata)
	if len(rec.Embedding) == 0 {
		vec, err := s.embed(ctx, rec.Content)
		if err != nil {
			return Record{}, err
		}
		rec.Embedding = vec
	}

	err := s.index.Insert(ctx, []Point{{
		ID:        rec.ID,
		Vector:    rec.Embedding,
		Content:   rec.Content,
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt,
	}})
	var dup *DuplicateRecordError
	if errors.As(err, &dup) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to index record %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Query returns up to k records most similar to text, ordered by descending
// similarity and then most recent first. Only the newest record of each
// logical key is returned. k <= 0 and an empty index give an empty result.
func (s *Semantic) Query(ctx context.Context, text string, k int, filter Filter) ([]Hit, error) {
	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	// Superseded records are dropped after the search, so widen it until
	// k distinct keys are found or the index is exhausted.
	limit := k
	for {
		results, err := s.index.Search(ctx, vec, limit, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to search index: %w", err)
		}
		latest, err := s.latestPerKey(ctx, vec, results)
		if err != nil {
			return nil, err
		}
		if len(latest) >= k || len(results) < limit {
			if len(latest) > k {
				latest = latest[:k]
			}
			return toHits(latest), nil
		}
		limit *= 2
	}
}

// Purge deletes records by ID.
func (s *Semantic) Purge(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.index.Delete(ctx, ids); err != nil {
		return fmt.Errorf("failed to purge records: %w", err)
	}
	return nil
}

func (s *Semantic) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &EncodingError{Query: text, Cause: errors.New("empty text")}
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		var encErr *EncodingError
		if errors.As(err, &encErr) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &EncodingError{Query: text, Cause: err}
	}
	if len(vec) == 0 {
		return nil, &EncodingError{Query: text, Cause: errors.New("empty embedding")}
	}
	return vec, nil
}

// keyVersionsLimit bounds how many versions of one logical key are
// inspected when resolving the newest.
const keyVersionsLimit = 64

// latestPerKey replaces every keyed result by the newest version of its key,
// which may not have matched the query as closely.
func (s *Semantic) latestPerKey(ctx context.Context, vec []float32, results []SearchResult) ([]SearchResult, error) {
	newest := make(map[string]SearchResult, len(results))
	for _, r := range results {
		key, keyed := r.Point.Metadata[MetadataKey].(string)
		if !keyed || key == "" {
			newest["id:"+r.Point.ID] = r
			continue
		}
		if _, seen := newest["key:"+key]; seen {
			continue
		}
		versions, err := s.index.Search(ctx, vec, keyVersionsLimit, Filter{MetadataKey: key})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve key %q: %w", key, err)
		}
		best := r
		for _, v := range versions {
			if v.Point.CreatedAt.After(best.Point.CreatedAt) {
				best = v
			}
		}
		newest["key:"+key] = best
	}

	out := make([]SearchResult, 0, len(newest))
	for _, r := range newest {
		out = append(out, r)
	}
	SortResults(out)
	return out, nil
}

func toHits(results []SearchResult) []Hit {
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			Score: r.Score,
			Record: Record{
				ID:        r.Point.ID,
				Content:   r.Point.Content,
				Metadata:  r.Point.Metadata,
				Embedding: r.Point.Vector,
				CreatedAt: r.Point.CreatedAt,
			},
		}
	}
	return hits
}
