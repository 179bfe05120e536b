package memory

import (
	"context"
	"math"
	"reflect"
	"time"
)

// Point is a vector with its document, as stored by a VectorIndex.
type Point struct {
	ID        string
	Vector    []float32
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// SearchResult represents a match from a vector search.
type SearchResult struct {
	Point Point
	Score float64
}

// Filter restricts a search to points whose metadata holds every listed
// key with an equal value.
type Filter map[string]any

// Match reports whether metadata satisfies the filter.
func (f Filter) Match(metadata map[string]any) bool {
	for k, want := range f {
		got, ok := metadata[k]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// VectorIndex is the contract semantic memory needs from a vector database.
// Insert never replaces a stored point: an ID that already exists fails
// with *DuplicateRecordError. Search returns at most limit results ordered
// by descending cosine similarity. Implementations must allow concurrent
// Search and Insert.
type VectorIndex interface {
	Insert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]SearchResult, error)
	Delete(ctx context.Context, ids []string) error
}

// CollectionCreator is implemented by indexes that need their dimension
// before the first write.
type CollectionCreator interface {
	CreateCollection(ctx context.Context, dimension int) error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
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
	}
	return 0, false
}
