// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jllopis/exo/pkg/llm"
)

// TruncationStrategy defines how to shorten a conversation before it is sent
// to a provider. Stored session history is never modified.
type TruncationStrategy interface {
	// Truncate applies the strategy to reduce messages while preserving context.
	// Returns the truncated message list.
	Truncate(ctx context.Context, messages []llm.Message) ([]llm.Message, error)
}

// WindowStrategy keeps only the last N messages.
type WindowStrategy struct {
	MaxMessages int
	// KeepSystemMessages preserves system messages regardless of window.
	KeepSystemMessages bool
}

// Truncate implements TruncationStrategy.
func (w *WindowStrategy) Truncate(_ context.Context, messages []llm.Message) ([]llm.Message, error) {
	if len(messages) <= w.MaxMessages {
		return messages, nil
	}

	if !w.KeepSystemMessages {
		return dropOrphanToolResults(messages[len(messages)-w.MaxMessages:]), nil
	}

	systemMsgs, otherMsgs := splitSystem(messages)

	available := w.MaxMessages - len(systemMsgs)
	if available < 0 {
		available = 0
	}
	if len(otherMsgs) > available {
		otherMsgs = dropOrphanToolResults(otherMsgs[len(otherMsgs)-available:])
	}

	// System messages first, then recent messages
	result := make([]llm.Message, 0, len(systemMsgs)+len(otherMsgs))
	result = append(result, systemMsgs...)
	result = append(result, otherMsgs...)
	return result, nil
}

// TokenStrategy keeps messages that fit within a token budget.
type TokenStrategy struct {
	MaxTokens int
	// TokenCounter estimates tokens for a message. If nil, uses len(content)/4 approximation.
	TokenCounter func(msg llm.Message) int
	// KeepSystemMessages preserves system messages regardless of budget.
	KeepSystemMessages bool
}

// Truncate implements TruncationStrategy.
func (t *TokenStrategy) Truncate(_ context.Context, messages []llm.Message) ([]llm.Message, error) {
	counter := t.TokenCounter
	if counter == nil {
		counter = EstimateTokens
	}

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += counter(msg)
	}
	if totalTokens <= t.MaxTokens {
		return messages, nil
	}

	var systemMsgs, otherMsgs []llm.Message
	systemTokens := 0
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem && t.KeepSystemMessages {
			systemMsgs = append(systemMsgs, msg)
			systemTokens += counter(msg)
		} else {
			otherMsgs = append(otherMsgs, msg)
		}
	}

	// Available budget for non-system messages
	budget := t.MaxTokens - systemTokens
	if budget < 0 {
		budget = 0
	}

	// Keep messages from the end until budget exhausted
	start := len(otherMsgs)
	currentTokens := 0
	for i := len(otherMsgs) - 1; i >= 0; i-- {
		msgTokens := counter(otherMsgs[i])
		if currentTokens+msgTokens > budget {
			break
		}
		start = i
		currentTokens += msgTokens
	}
	kept := dropOrphanToolResults(otherMsgs[start:])

	result := make([]llm.Message, 0, len(systemMsgs)+len(kept))
	result = append(result, systemMsgs...)
	result = append(result, kept...)
	return result, nil
}

// EstimateTokens approximates a message's token count as a quarter of its
// characters, counting tool call arguments.
func EstimateTokens(msg llm.Message) int {
	n := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += len(tc.Function.Name) + len(tc.Function.Arguments)
	}
	return n / 4
}

// Summarizer condenses messages into a short text.
type Summarizer func(ctx context.Context, messages []llm.Message) (string, error)

// SummarizationStrategy summarizes old messages to reduce length.
type SummarizationStrategy struct {
	// MaxMessages triggers summarization when exceeded.
	MaxMessages int
	// SummarizeCount is how many old messages to summarize at once.
	SummarizeCount int
	// Summarizer generates a summary from messages. Required.
	Summarizer Summarizer
	// KeepSystemMessages preserves system messages from summarization.
	KeepSystemMessages bool
}

// SummaryPrefix starts the content of every summary message.
const SummaryPrefix = "[Previous conversation summary]\n"

// Truncate implements TruncationStrategy.
func (s *SummarizationStrategy) Truncate(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	if len(messages) <= s.MaxMessages || s.Summarizer == nil {
		return messages, nil
	}

	var systemMsgs, otherMsgs []llm.Message
	if s.KeepSystemMessages {
		systemMsgs, otherMsgs = splitSystem(messages)
	} else {
		otherMsgs = messages
	}

	if len(otherMsgs) <= s.MaxMessages {
		result := make([]llm.Message, 0, len(systemMsgs)+len(otherMsgs))
		result = append(result, systemMsgs...)
		result = append(result, otherMsgs...)
		return result, nil
	}

	// Determine how many messages to summarize
	toSummarize := s.SummarizeCount
	if toSummarize > len(otherMsgs)-s.MaxMessages {
		toSummarize = len(otherMsgs) - s.MaxMessages + 1 // +1 for the summary message
	}
	if toSummarize < 2 {
		toSummarize = 2
	}

	summarizeThese := otherMsgs[:toSummarize]
	keepThese := dropOrphanToolResults(otherMsgs[toSummarize:])

	summary, err := s.Summarizer(ctx, summarizeThese)
	if err != nil {
		return messages, err // Return original on error
	}

	summaryMsg := llm.Message{
		Role:      llm.RoleSystem,
		Content:   SummaryPrefix + summary,
		CreatedAt: summarizeThese[0].CreatedAt,
	}

	result := make([]llm.Message, 0, len(systemMsgs)+1+len(keepThese))
	result = append(result, systemMsgs...)
	result = append(result, summaryMsg)
	result = append(result, keepThese...)
	return result, nil
}

// NewWindowStrategy creates a window-based truncation strategy.
func NewWindowStrategy(maxMessages int, keepSystem bool) *WindowStrategy {
	return &WindowStrategy{
		MaxMessages:        maxMessages,
		KeepSystemMessages: keepSystem,
	}
}

// NewTokenStrategy creates a token-based truncation strategy.
func NewTokenStrategy(maxTokens int, keepSystem bool) *TokenStrategy {
	return &TokenStrategy{
		MaxTokens:          maxTokens,
		KeepSystemMessages: keepSystem,
	}
}

// NewSummarizationStrategy creates a summarization-based truncation strategy.
func NewSummarizationStrategy(maxMessages, summarizeCount int, summarizer Summarizer) *SummarizationStrategy {
	return &SummarizationStrategy{
		MaxMessages:        maxMessages,
		SummarizeCount:     summarizeCount,
		Summarizer:         summarizer,
		KeepSystemMessages: true,
	}
}

// ProviderSummarizer returns a Summarizer that asks p for the summary.
func ProviderSummarizer(p llm.Provider, model string) Summarizer {
	return func(ctx context.Context, messages []llm.Message) (string, error) {
		var transcript strings.Builder
		for _, m := range messages {
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}
		resp, err := p.Chat(ctx, llm.ChatRequest{
			Model: model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Summarize the conversation below in a few sentences. Keep names, numbers and decisions."},
				{Role: llm.RoleUser, Content: transcript.String()},
			},
			Options: llm.Options{Temperature: 0},
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

func splitSystem(messages []llm.Message) (system, other []llm.Message) {
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			other = append(other, msg)
		}
	}
	return system, other
}

// dropOrphanToolResults removes leading tool messages whose assistant tool
// call was cut off; providers reject a tool result without its call.
func dropOrphanToolResults(messages []llm.Message) []llm.Message {
	i := 0
	for i < len(messages) && messages[i].Role == llm.RoleTool {
		i++
	}
	return messages[i:]
}
