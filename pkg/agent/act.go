// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/exo/pkg/core"
	exoerrors "github.com/jllopis/exo/pkg/errors"
	"github.com/jllopis/exo/pkg/llm"
	"github.com/jllopis/exo/pkg/memory"
	"github.com/jllopis/exo/pkg/resilience"
	"github.com/jllopis/exo/pkg/telemetry"
	"github.com/jllopis/exo/pkg/tool"
)

// StopReason tells how a run ended.
type StopReason string

const (
	// StopFinalAnswer: the provider answered without requesting a tool.
	StopFinalAnswer StopReason = "final_answer"
	// StopMaxIterations: the tool budget ran out. Content is the last
	// assistant text seen in the run, possibly empty.
	StopMaxIterations StopReason = "max_iterations"
	// StopFallback: a failure was answered by the fallback.
	StopFallback StopReason = "fallback"
)

// Result is the outcome of Act.
type Result struct {
	RunID   string
	Content string
	// Iterations is the number of tool executions.
	Iterations int
	ToolCalls  []llm.ToolCall
	Usage      llm.Usage
	StopReason StopReason
	State      State
	// Degraded is set when Content comes from the fallback; Err then holds
	// the failure it replaces.
	Degraded bool
	Err      error
}

// Act runs the loop for one user prompt.
//
// The provider sees the system prompt, recalled semantic context when memory
// is enabled, the session history and the prompt. Tool calls are executed
// one at a time and fed back until the provider answers or MaxIterations
// tool executions have happened. Provider and tool failures that survive the
// retry policy are answered by the fallback (Result.Degraded) unless the
// agent is strict. Unknown tools, invalid arguments and cancellation are
// always returned as errors.
func (a *Agent) Act(ctx context.Context, prompt string) (*Result, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer a.running.Store(false)

	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := a.tracer.Start(ctx, "Agent.Act")
	defer span.End()
	traceID, spanID := traceIDs(span)
	span.SetAttributes(telemetry.Run{
		Agent:         a.name,
		Model:         a.model,
		ID:            runID,
		MaxIterations: a.cfg.MaxIterations,
		Tools:         a.tools.Names(),
	}.Attributes()...)

	r := &run{
		agent: a,
		runID: runID,
		span:  span,
		log: a.logger.With(
			slog.String("agent", a.name),
			slog.String("run_id", runID),
			slog.String("trace_id", traceID),
			slog.String("span_id", spanID),
		),
		result: &Result{RunID: runID},
	}
	if sessionID, ok := core.SessionID(ctx); ok {
		r.log = r.log.With(slog.String("session_id", sessionID))
	}

	r.log.InfoContext(ctx, "agent.run.start", slog.Int("max_iterations", a.cfg.MaxIterations))
	a.emit(ctx, core.EventRunStarted, runID, 0, map[string]any{"prompt": prompt})

	res, err := r.execute(ctx, prompt)

	state := a.State()
	if res != nil {
		res.State = state
	}
	a.recordRun(ctx, state, r.result.Iterations, res != nil && res.Degraded)
	span.SetAttributes(telemetry.Outcome{
		State:      string(state),
		Iterations: r.result.Iterations,
		Degraded:   res != nil && res.Degraded,
	}.Attributes()...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.ErrorContext(ctx, "agent.run.failed",
			slog.String("state", string(state)),
			slog.String("error_code", string(exoerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		a.emit(ctx, core.EventRunFailed, runID, r.result.Iterations, map[string]any{"error": err.Error()})
		return nil, err
	}
	r.log.InfoContext(ctx, "agent.run.completed",
		slog.String("state", string(state)),
		slog.String("stop_reason", string(res.StopReason)),
		slog.Int("iterations", res.Iterations),
		slog.Bool("degraded", res.Degraded),
	)
	a.emit(ctx, core.EventRunCompleted, runID, res.Iterations, map[string]any{
		"stop_reason": string(res.StopReason),
		"degraded":    res.Degraded,
	})
	return res, nil
}

// run is the state of a single Act.
type run struct {
	agent    *Agent
	runID    string
	span     trace.Span
	log      *slog.Logger
	result   *Result
	lastText string
}

func (r *run) execute(ctx context.Context, prompt string) (*Result, error) {
	a := r.agent
	if strings.TrimSpace(prompt) == "" {
		a.setState(StateFailed)
		return nil, NewInvalidInputError("prompt is empty")
	}
	a.setState(StateIdle)

	messages, err := r.buildMessages(ctx, prompt)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	req := llm.ChatRequest{
		Model: a.model,
		Options: llm.Options{
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
			TopP:        a.cfg.TopP,
			TopK:        a.cfg.TopK,
		},
	}
	if !a.cfg.TextToolProtocol {
		req.Tools = a.tools.Definitions()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(ctx, err)
		}

		a.setState(StateAwaitingProvider)
		req.Messages = messages
		r.debug(ctx, "agent.provider.request", slog.Int("iteration", r.result.Iterations), slog.Int("messages", len(messages)))
		a.emit(ctx, core.EventProviderRequest, r.runID, r.result.Iterations, nil)

		resp, err := a.provider.Chat(ctx, req)
		if err != nil {
			return r.recover(ctx, "provider", err)
		}
		r.result.Usage = r.result.Usage.Add(resp.Usage)

		call, err := llm.ResolveToolCall(resp, a.cfg.TextToolProtocol)
		if err != nil {
			return r.recover(ctx, "provider", llm.Classify(a.providerName, err))
		}
		if call == nil {
			return r.finish(ctx, resp.Content)
		}

		// The call and its result reach the session together. A failed or
		// canceled tool leaves no unanswered call behind.
		assistant := r.assistantMessage(resp, *call)

		a.setState(StateExecutingTool)
		toolMsg, err := r.invokeTool(ctx, *call)
		if err != nil {
			if isSurfaced(err) || ctx.Err() != nil {
				return nil, r.fail(ctx, err)
			}
			return r.recover(ctx, "tool", err)
		}
		if a.cfg.TextToolProtocol {
			toolMsg = llm.Message{
				Role:      llm.RoleUser,
				Content:   fmt.Sprintf("Tool %s returned:\n%s", call.Function.Name, toolMsg.Content),
				CreatedAt: toolMsg.CreatedAt,
			}
		}
		for _, msg := range []llm.Message{assistant, toolMsg} {
			if err := r.append(ctx, msg); err != nil {
				return nil, r.fail(ctx, err)
			}
		}
		messages = append(messages, assistant, toolMsg)

		r.result.ToolCalls = append(r.result.ToolCalls, *call)
		r.result.Iterations++
		if r.result.Iterations >= a.cfg.MaxIterations {
			r.log.WarnContext(ctx, "agent.run.max_iterations", slog.Int("iterations", r.result.Iterations))
			a.setState(StateDone)
			r.result.Content = r.lastText
			r.result.StopReason = StopMaxIterations
			return r.result, nil
		}
	}
}

// buildMessages assembles the first provider request and records the user
// prompt in memory. Recall happens before the prompt is stored so a prompt
// never recalls itself.
func (r *run) buildMessages(ctx context.Context, prompt string) ([]llm.Message, error) {
	a := r.agent
	var messages []llm.Message

	system := a.cfg.SystemPrompt
	if a.cfg.TextToolProtocol && a.tools.Len() > 0 {
		system = strings.TrimSpace(system + "\n\n" + llm.TextToolPrompt(a.tools.Definitions()))
	}
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}

	recalled := 0
	if a.cfg.MemoryEnabled && a.memory.SemanticEnabled() && a.cfg.RecallK > 0 {
		hits, err := a.memory.Recall(ctx, prompt, a.cfg.RecallK)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			r.log.WarnContext(ctx, "agent.memory.recall.error",
				slog.String("error_code", string(exoerrors.CodeOf(err))),
				slog.String("error", err.Error()),
			)
			a.errorMetrics.RecordError(ctx, err, "memory")
		case len(hits) > 0:
			recalled = len(hits)
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: recallContext(hits)})
		}
	}
	history, err := a.memory.PromptHistory(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, WrapMemoryError(err, "history")
	}
	sessionID, _ := core.SessionID(ctx)
	r.span.SetAttributes(telemetry.Prompt{
		MemoryEnabled: a.cfg.MemoryEnabled,
		Index:         fmt.Sprintf("%T", a.memory.Semantic()),
		Recalled:      recalled,
		SessionID:     sessionID,
		History:       len(history),
	}.Attributes()...)
	messages = append(messages, history...)

	user := llm.NewMessage(llm.RoleUser, prompt)
	if err := r.append(ctx, user); err != nil {
		return nil, err
	}
	r.index(ctx, prompt, llm.RoleUser)
	return append(messages, user), nil
}

func recallContext(hits []memory.Hit) string {
	var b strings.Builder
	b.WriteString("Relevant context from memory:")
	for _, h := range hits {
		b.WriteString("\n- ")
		b.WriteString(h.Record.Content)
	}
	return b.String()
}

// assistantMessage is the session form of a response that requested call.
// Text protocol calls stay plain text since the provider has no tool support.
func (r *run) assistantMessage(resp *llm.ChatResponse, call llm.ToolCall) llm.Message {
	msg := llm.NewMessage(llm.RoleAssistant, resp.Content)
	visible := resp.Content
	if len(resp.ToolCalls) > 0 {
		msg.ToolCalls = []llm.ToolCall{call}
	} else if _, preface, found, _ := llm.ParseTextToolCall(resp.Content); found {
		visible = preface
	}
	if visible = strings.TrimSpace(visible); visible != "" {
		r.lastText = visible
	}
	return msg
}

func (r *run) invokeTool(ctx context.Context, call llm.ToolCall) (llm.Message, error) {
	a := r.agent
	name := call.Function.Name

	ctx, span := a.tracer.Start(ctx, "Tool.Invoke")
	defer span.End()

	spec, err := a.tools.Spec(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Message{}, err
	}

	r.debug(ctx, "agent.tool.start", slog.String("tool", name), slog.String("tool_call_id", call.ID))
	a.emit(ctx, core.EventToolStarted, r.runID, r.result.Iterations, map[string]any{"tool": name, "tool_call_id": call.ID})

	once := func(ctx context.Context) (llm.Message, error) {
		if spec.Timeout > 0 || a.cfg.ToolTimeout <= 0 {
			return a.tools.InvokeCall(ctx, call)
		}
		msg, err := resilience.WithTimeout(ctx, a.cfg.ToolTimeout, func(ctx context.Context) (llm.Message, error) {
			return a.tools.InvokeCall(ctx, call)
		})
		if resilience.IsTimeout(err) {
			err = &tool.ExecutionError{ToolName: name, Cause: err}
		}
		return msg, err
	}

	start := time.Now()
	var msg llm.Message
	if spec.Idempotent {
		rc := a.policy.Tool.
			WithIsRecoverable(isRetryableToolError).
			WithOnRetry(func(attempt int, delay time.Duration, err error) {
				r.log.WarnContext(ctx, "agent.tool.retry",
					slog.String("tool", name),
					slog.Int("attempt", attempt),
					slog.Duration("delay", delay),
					slog.String("error", err.Error()),
				)
			})
		msg, err = resilience.Retry(ctx, rc, once)
	} else {
		msg, err = once(ctx)
	}
	duration := time.Since(start)

	span.SetAttributes(telemetry.ToolCall{
		Name:       name,
		CallID:     call.ID,
		Idempotent: spec.Idempotent,
		Duration:   duration,
		OK:         err == nil,
		Args:       call.Function.Arguments,
		Result:     msg.Content,
	}.Attributes()...)
	if a.metrics != nil {
		a.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			telemetry.KeyToolName.String(name),
			telemetry.KeyToolOK.Bool(err == nil),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.WarnContext(ctx, "agent.tool.error",
			slog.String("tool", name),
			slog.String("tool_call_id", call.ID),
			slog.String("error_code", string(exoerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.Message{}, ctxErr
		}
		return llm.Message{}, err
	}

	r.debug(ctx, "agent.tool.completed", slog.String("tool", name), slog.Duration("duration", duration))
	a.emit(ctx, core.EventToolCompleted, r.runID, r.result.Iterations+1, map[string]any{"tool": name, "tool_call_id": call.ID})
	return msg, nil
}

// isRetryableToolError limits tool retries to handler failures. Unknown
// tools and invalid arguments fail the same way on every attempt.
func isRetryableToolError(err error) bool {
	var exec *tool.ExecutionError
	return errors.As(err, &exec)
}

// isSurfaced reports errors returned to the caller even when a fallback is
// configured.
func isSurfaced(err error) bool {
	var unknown *tool.UnknownToolError
	var validation *tool.ValidationError
	return errors.As(err, &unknown) || errors.As(err, &validation)
}

func (r *run) finish(ctx context.Context, content string) (*Result, error) {
	answer := llm.NewMessage(llm.RoleAssistant, content)
	if err := r.append(ctx, answer); err != nil {
		return nil, r.fail(ctx, err)
	}
	r.index(ctx, content, llm.RoleAssistant)
	r.agent.setState(StateDone)
	r.result.Content = content
	r.result.StopReason = StopFinalAnswer
	return r.result, nil
}

// recover hands a failure that survived the retry policy to the fallback.
func (r *run) recover(ctx context.Context, component string, cause error) (*Result, error) {
	a := r.agent
	if ctx.Err() != nil || errors.Is(cause, llm.ErrUnknownRoute) {
		return nil, r.fail(ctx, cause)
	}
	a.setState(StateFailed)
	a.errorMetrics.RecordError(ctx, cause, component)
	a.errorLog.Record(ctx, ErrorEntry{
		Agent:     a.name,
		RunID:     r.runID,
		Iteration: r.result.Iterations,
		Component: component,
		Err:       cause,
		Time:      time.Now(),
	})

	answer, err := a.policy.Recover(ctx, cause)
	if err != nil {
		return nil, err
	}

	a.errorMetrics.RecordRecovery(ctx, exoerrors.CodeOf(cause))
	if a.metrics != nil {
		a.metrics.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
	}
	a.emit(ctx, core.EventFallback, r.runID, r.result.Iterations, map[string]any{
		"component": component,
		"error":     cause.Error(),
	})
	if err := r.append(ctx, llm.NewMessage(llm.RoleAssistant, answer)); err != nil {
		r.log.WarnContext(ctx, "agent.memory.append.error", slog.String("error", err.Error()))
	}

	r.result.Content = answer
	r.result.StopReason = StopFallback
	r.result.Degraded = true
	r.result.Err = cause
	return r.result, nil
}

// fail ends the run in Failed. Context errors become *CancellationError.
func (r *run) fail(ctx context.Context, err error) error {
	a := r.agent
	state := a.State()
	a.setState(StateFailed)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &CancellationError{State: state, Iteration: r.result.Iterations, Cause: ctxErr}
	}
	a.errorMetrics.RecordError(ctx, err, "agent")
	return err
}

func (r *run) append(ctx context.Context, msg llm.Message) error {
	if err := r.agent.memory.Append(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return WrapMemoryError(err, "append")
	}
	return nil
}

// index adds content to semantic memory. Failures are logged and ignored.
func (r *run) index(ctx context.Context, content string, role llm.Role) {
	a := r.agent
	sem := a.memory.Semantic()
	if !a.cfg.MemoryEnabled || sem == nil || strings.TrimSpace(content) == "" {
		return
	}
	_, err := sem.Insert(ctx, memory.Record{
		Content: content,
		Metadata: map[string]any{
			memory.MetadataRole: string(role),
			"agent":             a.name,
			"run_id":            r.runID,
		},
	})
	if err != nil && ctx.Err() == nil {
		r.log.WarnContext(ctx, "agent.memory.index.error", slog.String("error", err.Error()))
		a.errorMetrics.RecordError(ctx, err, "memory")
	}
}

func (r *run) debug(ctx context.Context, msg string, attrs ...any) {
	if r.agent.cfg.Verbose {
		r.log.InfoContext(ctx, msg, attrs...)
		return
	}
	r.log.DebugContext(ctx, msg, attrs...)
}

func (a *Agent) emit(ctx context.Context, t core.EventType, runID string, iteration int, payload map[string]any) {
	a.emitter.Emit(ctx, core.NewEvent(t, a.name, runID, iteration, payload))
}

func (a *Agent) onProviderRetry(_ int, _ time.Duration, err error) {
	if a.metrics == nil {
		return
	}
	kind := "unknown"
	if pe, ok := llm.AsProviderError(err); ok {
		kind = string(pe.Kind)
	}
	a.metrics.ProviderRetries.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.KeyErrorKind.String(kind),
	))
}

func (a *Agent) recordRun(ctx context.Context, state State, iterations int, degraded bool) {
	if a.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		telemetry.KeyAgentName.String(a.name),
		telemetry.KeyRunState.String(string(state)),
		telemetry.KeyDegraded.Bool(degraded),
	)
	a.metrics.Runs.Add(ctx, 1, attrs)
	a.metrics.Iterations.Record(ctx, int64(iterations), attrs)
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
