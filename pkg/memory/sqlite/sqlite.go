// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides a durable memory.VectorIndex on SQLite. Vectors
// are stored as JSON and scored in process, which suits stores of up to a
// few tens of thousands of records.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/exo/pkg/memory"
)

// Index persists semantic records in a SQLite table.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Every connection to ":memory:" is a different database.
	db.SetMaxOpenConns(1)
	idx, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// New wraps an existing database handle and ensures the schema.
func New(db *sql.DB) (*Index, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			vector_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create memory_records: %w", err)
	}
	return nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Insert writes points in a single transaction. A stored or repeated ID
// rolls the whole batch back with *memory.DuplicateRecordError.
func (x *Index) Insert(ctx context.Context, points []memory.Point) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range points {
		meta := p.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", p.ID, err)
		}
		vecJSON, err := json.Marshal(p.Vector)
		if err != nil {
			return fmt.Errorf("failed to encode vector for %s: %w", p.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memory_records (id, content, metadata_json, vector_json, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, p.ID, p.Content, string(metaJSON), string(vecJSON), p.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &memory.DuplicateRecordError{ID: p.ID}
		}
	}
	return tx.Commit()
}

// Search scores every stored vector against vector.
func (x *Index) Search(ctx context.Context, vector []float32, limit int, filter memory.Filter) ([]memory.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := x.db.QueryContext(ctx, `
		SELECT id, content, metadata_json, vector_json, created_at FROM memory_records
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []memory.SearchResult
	for rows.Next() {
		var (
			p        memory.Point
			metaJSON string
			vecJSON  string
			created  int64
		)
		if err := rows.Scan(&p.ID, &p.Content, &metaJSON, &vecJSON, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", p.ID, err)
		}
		if len(p.Metadata) == 0 {
			p.Metadata = nil
		}
		if !filter.Match(p.Metadata) {
			continue
		}
		if err := json.Unmarshal([]byte(vecJSON), &p.Vector); err != nil {
			return nil, fmt.Errorf("corrupt vector for %s: %w", p.ID, err)
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		results = append(results, memory.SearchResult{Point: p, Score: memory.Cosine(vector, p.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memory.SortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes records by ID.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := x.db.ExecContext(ctx, "DELETE FROM memory_records WHERE id IN ("+placeholders+")", args...)
	return err
}

// Len returns the number of stored records.
func (x *Index) Len(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_records").Scan(&n)
	return n, err
}
