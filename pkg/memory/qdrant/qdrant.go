// Package qdrant provides a memory.VectorIndex backed by a Qdrant collection
// reached over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/jllopis/exo/pkg/memory"
)

// Payload fields reserved by the index. Metadata lives under
// "metadata.<key>" so filters cannot collide with them.
const (
	fieldID        = "id"
	fieldContent   = "content"
	fieldCreatedAt = "created_at"
	fieldMetadata  = "metadata"
)

// idNamespace derives stable point UUIDs from record IDs that are not UUIDs.
var idNamespace = uuid.MustParse("6f1d3c2e-5b7a-4f0e-9c1d-2a8b7e4f6d10")

type Option func(*qdrant.Config)

func WithAPIKey(key string) Option {
	return func(c *qdrant.Config) { c.APIKey = key }
}

func WithTLS(enabled bool) Option {
	return func(c *qdrant.Config) { c.UseTLS = enabled }
}

// Index is a VectorIndex over one collection using cosine distance.
type Index struct {
	client     *qdrant.Client
	collection string
}

// New connects to the gRPC endpoint at addr ("host:port") and binds
// collection. The collection is created by CreateCollection.
func New(addr, collection string, opts ...Option) (*Index, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("qdrant address %q: %w", addr, err)
	}
	cfg := &qdrant.Config{Host: host}
	if cfg.Port, err = strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("qdrant port %q: %w", port, err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	return &Index{client: client, collection: collection}, nil
}

func (x *Index) Close() error { return x.client.Close() }

// CreateCollection implements memory.CollectionCreator. An existing
// collection is kept as is, whatever its dimension.
func (x *Index) CreateCollection(ctx context.Context, dimension int) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", x.collection, err)
	}
	if exists {
		return nil
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", x.collection, err)
	}
	return nil
}

// Insert writes new points and waits until they are searchable. Qdrant
// only upserts, so stored IDs are looked up first; a concurrent writer of
// the same ID can still win the race.
func (x *Index) Insert(ctx context.Context, points []memory.Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, len(points))
	ids := make([]*qdrant.PointId, len(points))
	byUUID := make(map[string]string, len(points))
	for i, p := range points {
		ids[i] = pointID(p.ID)
		if _, dup := byUUID[ids[i].GetUuid()]; dup {
			return &memory.DuplicateRecordError{ID: p.ID}
		}
		byUUID[ids[i].GetUuid()] = p.ID
		structs[i] = &qdrant.PointStruct{
			Id:      ids[i],
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toPayload(p),
		}
	}

	existing, err := x.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: x.collection,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return fmt.Errorf("look up %d points: %w", len(points), err)
	}
	if len(existing) > 0 {
		return &memory.DuplicateRecordError{ID: byUUID[existing[0].GetId().GetUuid()]}
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search returns the limit nearest points matching filter, best first.
func (x *Index) Search(ctx context.Context, vector []float32, limit int, filter memory.Filter) ([]memory.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	hits, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         toFilter(filter),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}

	results := make([]memory.SearchResult, len(hits))
	for i, hit := range hits {
		p := fromPayload(hit.Payload)
		if p.ID == "" {
			p.ID = hit.Id.GetUuid()
			if p.ID == "" {
				p.ID = strconv.FormatUint(hit.Id.GetNum(), 10)
			}
		}
		if v := hit.GetVectors().GetVector(); v != nil {
			p.Vector = v.GetData()
		}
		results[i] = memory.SearchResult{Point: p, Score: float64(hit.Score)}
	}
	memory.SortResults(results)
	return results, nil
}

// Delete removes points by record ID. Unknown IDs are ignored.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pids...),
	})
	if err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

// pointID maps a record ID to a point ID. Qdrant accepts only UUIDs and
// integers, so other IDs are hashed into a name-based UUID.
func pointID(id string) *qdrant.PointId {
	u, err := uuid.Parse(id)
	if err != nil {
		u = uuid.NewSHA1(idNamespace, []byte(id))
	}
	return qdrant.NewIDUUID(u.String())
}

// toPayload stores scalar metadata only; other values are dropped.
func toPayload(p memory.Point) map[string]*qdrant.Value {
	meta := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		if s, ok := scalar(v); ok {
			meta[k] = s
		}
	}
	return qdrant.NewValueMap(map[string]any{
		fieldID:        p.ID,
		fieldContent:   p.Content,
		fieldCreatedAt: p.CreatedAt.UnixNano(),
		fieldMetadata:  meta,
	})
}

func scalar(v any) (any, bool) {
	switch val := v.(type) {
	case string, bool, int64, float64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case float32:
		return float64(val), true
	}
	return nil, false
}

func fromPayload(payload map[string]*qdrant.Value) memory.Point {
	p := memory.Point{
		ID:        payload[fieldID].GetStringValue(),
		Content:   payload[fieldContent].GetStringValue(),
		CreatedAt: time.Unix(0, payload[fieldCreatedAt].GetIntegerValue()).UTC(),
	}
	fields := payload[fieldMetadata].GetStructValue().GetFields()
	if len(fields) == 0 {
		return p
	}
	p.Metadata = make(map[string]any, len(fields))
	for k, v := range fields {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			p.Metadata[k] = kind.StringValue
		case *qdrant.Value_BoolValue:
			p.Metadata[k] = kind.BoolValue
		case *qdrant.Value_IntegerValue:
			p.Metadata[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			p.Metadata[k] = kind.DoubleValue
		}
	}
	return p
}

// toFilter turns metadata equality filters into must conditions. Values
// Qdrant cannot match exactly (floats, composites) are skipped.
func toFilter(f memory.Filter) *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(f))
	for k, v := range f {
		key := fieldMetadata + "." + k
		switch val := v.(type) {
		case string:
			must = append(must, qdrant.NewMatch(key, val))
		case bool:
			must = append(must, qdrant.NewMatchBool(key, val))
		case int:
			must = append(must, qdrant.NewMatchInt(key, int64(val)))
		case int64:
			must = append(must, qdrant.NewMatchInt(key, val))
		}
	}
	return &qdrant.Filter{Must: must}
}
