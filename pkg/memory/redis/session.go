// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a memory.Session stored as a Redis list, so that a
// conversation survives restarts and can be shared by several processes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/exo/pkg/llm"
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "exo:session:"

// Config describes how to reach Redis and which session to use.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	SessionID string
	// TTL expires an idle session. Zero keeps it forever.
	TTL time.Duration
}

// Session implements memory.Session over a Redis list.
type Session struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	owned  bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := NewWithClient(client, cfg)
	s.owned = true
	return s, nil
}

// NewWithClient uses an existing client. Close leaves it open.
func NewWithClient(client *redis.Client, cfg Config) *Session {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	id := cfg.SessionID
	if id == "" {
		id = "default"
	}
	return &Session{client: client, key: prefix + id, ttl: cfg.TTL}
}

// Key returns the Redis key holding the session.
func (s *Session) Key() string { return s.key }

// Append pushes msg at the tail of the list.
func (s *Session) Append(ctx context.Context, msg llm.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, raw)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Messages returns the whole list in push order.
func (s *Session) Messages(ctx context.Context) ([]llm.Message, error) {
	values, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	messages := make([]llm.Message, 0, len(values))
	for i, v := range values {
		var msg llm.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("corrupt message %d in %s: %w", i, s.key, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Len returns the list length.
func (s *Session) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read session length: %w", err)
	}
	return int(n), nil
}

// Clear deletes the session key.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close closes the client if New created it.
func (s *Session) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
