// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/exo/pkg/llm"
)

// Store is the memory an agent reads and writes: one Session plus optional
// semantic memory. Semantic memory may be shared between stores.
type Store struct {
	session    Session
	semantic   *Semantic
	truncation TruncationStrategy
	logger     *slog.Logger
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSession sets the session backend. Defaults to an InMemorySession.
func WithSession(s Session) StoreOption {
	return func(st *Store) { st.session = s }
}

// WithSemantic enables semantic memory.
func WithSemantic(sem *Semantic) StoreOption {
	return func(st *Store) { st.semantic = sem }
}

// WithTruncation shortens the history returned by PromptHistory.
func WithTruncation(t TruncationStrategy) StoreOption {
	return func(st *Store) { st.truncation = t }
}

// WithStoreLogger sets the logger used for errors that cannot be returned.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(st *Store) { st.logger = l }
}

// NewStore creates a Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.session == nil {
		s.session = NewInMemorySession()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Semantic returns the semantic memory, or nil when disabled.
func (s *Store) Semantic() *Semantic { return s.semantic }

// SemanticEnabled reports whether the store has semantic memory.
func (s *Store) SemanticEnabled() bool { return s.semantic != nil }

// Append adds msg to session memory only.
func (s *Store) Append(ctx context.Context, msg llm.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.session.Append(ctx, msg); err != nil {
		return fmt.Errorf("failed to append to session: %w", err)
	}
	return nil
}

// Remember appends rec to session memory as a message and, when semantic
// memory is enabled, indexes it. The record is stamped with an ID and a
// timestamp when they are missing. The message role is taken from the
// "role" metadata entry and defaults to user.
//
// The record is indexed before the session changes, so a record that cannot
// be embedded or is already stored leaves both memories untouched. When the
// session append then fails, the indexed record is purged again.
func (s *Store) Remember(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	role := llm.RoleUser
	if r, ok := rec.Metadata[MetadataRole].(string); ok && r != "" {
		role = llm.Role(r)
	}

	if s.semantic != nil {
		stored, err := s.semantic.Insert(ctx, rec)
		if err != nil {
			return Record{}, err
		}
		rec = stored
	}

	if err := s.Append(ctx, llm.Message{Role: role, Content: rec.Content, CreatedAt: rec.CreatedAt}); err != nil {
		if s.semantic != nil {
			if perr := s.semantic.Purge(context.WithoutCancel(ctx), rec.ID); perr != nil {
				s.logger.WarnContext(ctx, "memory.remember.purge.error",
					slog.String("id", rec.ID),
					slog.String("error", perr.Error()),
				)
			}
		}
		return Record{}, err
	}
	return rec, nil
}

// Recall returns the k semantic records most similar to query. See
// Semantic.Query for ordering. Without semantic memory, or when k <= 0, the
// result is empty. A blank or unembeddable query fails with *EncodingError.
func (s *Store) Recall(ctx context.Context, query string, k int) ([]Hit, error) {
	return s.RecallFiltered(ctx, query, k, nil)
}

// RecallFiltered is Recall restricted to records matching filter.
func (s *Store) RecallFiltered(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	if s.semantic == nil {
		return []Hit{}, nil
	}
	return s.semantic.Query(ctx, query, k, filter)
}

// History yields session memory in insertion order. Each range reads the
// session afresh, so the sequence can be iterated again; it never mutates
// the session. Read errors end the sequence and are logged.
func (s *Store) History(ctx context.Context) iter.Seq[llm.Message] {
	return func(yield func(llm.Message) bool) {
		messages, err := s.session.Messages(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "memory.history.error", slog.String("error", err.Error()))
			return
		}
		for _, m := range messages {
			if !yield(m) {
				return
			}
		}
	}
}

// Messages returns a snapshot of session memory.
func (s *Store) Messages(ctx context.Context) ([]llm.Message, error) {
	return s.session.Messages(ctx)
}

// PromptHistory returns session memory shortened by the truncation
// strategy, if any.
func (s *Store) PromptHistory(ctx context.Context) ([]llm.Message, error) {
	messages, err := s.session.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if s.truncation == nil || len(messages) == 0 {
		return messages, nil
	}
	return s.truncation.Truncate(ctx, messages)
}

// Len returns the number of session messages.
func (s *Store) Len(ctx context.Context) (int, error) {
	return s.session.Len(ctx)
}

// Clear empties session memory. Semantic memory is not affected.
func (s *Store) Clear(ctx context.Context) error {
	return s.session.Clear(ctx)
}

// Purge deletes semantic records by ID. Session memory is not affected.
func (s *Store) Purge(ctx context.Context, ids ...string) error {
	if s.semantic == nil {
		return nil
	}
	return s.semantic.Purge(ctx, ids...)
}
