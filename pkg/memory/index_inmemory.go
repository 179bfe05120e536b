// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
)

// InMemoryIndex is a brute-force cosine VectorIndex kept in process memory.
// Suitable for development, tests and small single-instance deployments.
// Data is lost on restart.
type InMemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

// NewInMemoryIndex creates an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{points: make(map[string]Point)}
}

// Insert stores new points. The batch is rejected as a whole when any ID
// is already stored or repeated.
func (x *InMemoryIndex) Insert(_ context.Context, points []Point) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	seen := make(map[string]bool, len(points))
	for _, p := range points {
		if _, ok := x.points[p.ID]; ok || seen[p.ID] {
			return &DuplicateRecordError{ID: p.ID}
		}
		seen[p.ID] = true
	}
	for _, p := range points {
		p.Vector = append([]float32(nil), p.Vector...)
		p.Metadata = cloneMetadata(p.Metadata)
		x.points[p.ID] = p
	}
	return nil
}

// Search scores every point against vector.
func (x *InMemoryIndex) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	x.mu.RLock()
	results := make([]SearchResult, 0, len(x.points))
	for _, p := range x.points {
		if !filter.Match(p.Metadata) {
			continue
		}
		results = append(results, SearchResult{Point: p, Score: Cosine(vector, p.Vector)})
	}
	x.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	SortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes points by ID. Unknown IDs are ignored.
func (x *InMemoryIndex) Delete(_ context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.points, id)
	}
	return nil
}

// Len returns the number of stored points.
func (x *InMemoryIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.points)
}

// SortResults orders results by descending score, then most recent first,
// then by ID so that equal inputs always produce the same order.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Point.CreatedAt.Equal(b.Point.CreatedAt) {
			return a.Point.CreatedAt.After(b.Point.CreatedAt)
		}
		return a.Point.ID < b.Point.ID
	})
}
