// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/exo/pkg/core"
)

// Log attribute keys added from the context of each record.
const (
	LogKeyTraceID   = "trace_id"
	LogKeySpanID    = "span_id"
	LogKeyRunID     = "run_id"
	LogKeySessionID = "session_id"
)

// ConfigureSlog builds a logger with NewLogger and installs it as the slog
// default.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger returns a text or json logger whose records carry the trace,
// span, run and session ids found in the logging context. Unknown levels
// log at info; unknown formats use text.
func NewLogger(output io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base = slog.NewJSONHandler(output, opts)
	} else {
		base = slog.NewTextHandler(output, opts)
	}
	return slog.New(contextHandler{next: base})
}

// ParseLevel accepts the slog level names plus "warning".
func ParseLevel(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// contextHandler adds contextAttrs to each record, skipping keys already
// present on the record or bound with WithAttrs.
type contextHandler struct {
	next  slog.Handler
	bound []string
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		for _, a := range contextAttrs(ctx) {
			if !slices.Contains(h.bound, a.Key) && !hasAttr(record, a.Key) {
				record.AddAttrs(a)
			}
		}
	}
	return h.next.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := slices.Clone(h.bound)
	for _, a := range attrs {
		bound = append(bound, a.Key)
	}
	return contextHandler{next: h.next.WithAttrs(attrs), bound: bound}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{next: h.next.WithGroup(name), bound: h.bound}
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String(LogKeyTraceID, sc.TraceID().String()),
			slog.String(LogKeySpanID, sc.SpanID().String()),
		)
	}
	if id, ok := core.RunID(ctx); ok {
		attrs = append(attrs, slog.String(LogKeyRunID, id))
	}
	if id, ok := core.SessionID(ctx); ok {
		attrs = append(attrs, slog.String(LogKeySessionID, id))
	}
	return attrs
}

func hasAttr(record slog.Record, key string) (found bool) {
	record.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
