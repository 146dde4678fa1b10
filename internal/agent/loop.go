// Package agent runs the ReAct loop: it alternates model turns with
// concurrent tool execution until the model answers in text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openintentos/openintent/internal/adapters"
	"github.com/openintentos/openintent/internal/bus"
	"github.com/openintentos/openintent/internal/compaction"
	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/pkg/models"
)

// LoopConfig configures the agentic loop.
type LoopConfig struct {
	// MaxTurns bounds model round trips per run.
	// Default: 20
	MaxTurns int `yaml:"max_turns" json:"max_turns"`

	// MaxTokens is the response budget per model call.
	// Default: 4096
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// Temperature is passed through when set.
	Temperature *float64 `yaml:"temperature" json:"temperature"`

	// Model overrides the transport's active model. It is dropped after a
	// failover so the replacement provider's model is used.
	Model string `yaml:"model" json:"model"`

	// ToolTimeout bounds each tool call.
	// Default: 30s
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`

	// MaxConcurrency limits parallel tool calls within a turn (0 = unlimited).
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxTurns:    20,
		MaxTokens:   4096,
		ToolTimeout: 30 * time.Second,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	defaults := DefaultLoopConfig()
	if c.MaxTurns <= 0 {
		c.MaxTurns = defaults.MaxTurns
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaults.ToolTimeout
	}
	if c.MaxConcurrency < 0 {
		c.MaxConcurrency = 0
	}
	return c
}

// Transport is the streaming model endpoint the loop drives.
type Transport interface {
	StreamChat(ctx context.Context, req *models.ChatRequest, onDelta func(string)) (*models.Response, error)
}

// Tools resolves and executes tool calls. *adapters.Registry implements it.
type Tools interface {
	ToolDefinitions() []models.ToolDefinition
	FindTool(name string) (adapters.Adapter, models.ToolDefinition, bool)
	Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// FailoverHandler switches providers after an eligible failure.
type FailoverHandler interface {
	HandleFailure(err error) (*FailoverResult, bool)
}

// RunInput is one invocation of the loop.
type RunInput struct {
	// TaskID labels logs and events. A random id is used when empty.
	TaskID   string
	Messages []models.Message
	// OnDelta receives streamed text as it arrives.
	OnDelta func(string)
	// OnReset is called when text already passed to OnDelta is void
	// because its provider failed and the turn is retried on another.
	OnReset func()
}

// Result is the outcome of a run. Messages is the working history, input
// included, and may have been compacted. Appended holds every message the
// run added, in order, regardless of compaction. On error both hold what
// was recorded before the failure.
type Result struct {
	TaskID   string
	Text     string
	Turns    int
	Messages []models.Message
	Appended []models.Message
	Usage    models.Usage
}

func (r *Result) append(msgs ...models.Message) {
	r.Messages = append(r.Messages, msgs...)
	r.Appended = append(r.Appended, msgs...)
}

// Loop runs the ReAct state machine
//
//	start -> reasoning -> acting -> reasoning ... -> done | max_turns_exceeded | error
//
// and is safe for concurrent runs.
type Loop struct {
	transport Transport
	tools     Tools
	cfg       LoopConfig

	failover  FailoverHandler
	compactor *compaction.Compactor
	events    *bus.Bus
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithConfig sets the loop configuration.
func WithConfig(cfg LoopConfig) Option {
	return func(l *Loop) { l.cfg = cfg.withDefaults() }
}

// WithFailover retries a failed model call once on a fallback provider.
func WithFailover(f FailoverHandler) Option {
	return func(l *Loop) { l.failover = f }
}

// WithCompactor compacts the history between turns when it grows too long.
func WithCompactor(c *compaction.Compactor) Option {
	return func(l *Loop) { l.compactor = c }
}

// WithBus publishes phase, delta and tool events.
func WithBus(b *bus.Bus) Option {
	return func(l *Loop) { l.events = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records loop and tool metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer wraps turns and tool calls in spans.
func WithTracer(t *observability.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// NewLoop creates a loop over transport and tools.
func NewLoop(transport Transport, tools Tools, opts ...Option) *Loop {
	l := &Loop{
		transport: transport,
		tools:     tools,
		cfg:       DefaultLoopConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Loop) Config() LoopConfig { return l.cfg }

// Run drives the conversation until the model answers with text.
func (l *Loop) Run(ctx context.Context, in RunInput) (*Result, error) {
	taskID := in.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	ctx = observability.AddTaskID(ctx, taskID)
	logger := l.logger.With("task_id", taskID)
	res := &Result{TaskID: taskID, Messages: models.CloneMessages(in.Messages)}

	l.phase(taskID, PhaseStart, 0)
	if l.transport == nil {
		return res, l.fail(taskID, 0, &LoopError{Phase: PhaseStart, Cause: ErrNoTransport})
	}
	if l.tools == nil {
		return res, l.fail(taskID, 0, &LoopError{Phase: PhaseStart, Cause: errors.New("no tools configured")})
	}
	if err := models.ValidateConversation(res.Messages); err != nil {
		return res, l.fail(taskID, 0, &LoopError{Phase: PhaseStart, Cause: err})
	}

	onDelta := l.deltaObserver(taskID, in.OnDelta)

	for res.Turns < l.cfg.MaxTurns {
		turn := res.Turns + 1
		if err := ctx.Err(); err != nil {
			return res, l.fail(taskID, res.Turns, &LoopError{Phase: PhaseReasoning, Turn: turn, Cause: err})
		}
		res.Messages = l.compact(ctx, logger, taskID, res.Messages)

		l.phase(taskID, PhaseReasoning, turn)
		turnCtx, span := l.tracer.TraceTurn(ctx, taskID, turn)
		resp, err := l.reason(turnCtx, logger, taskID, res.Messages, onDelta, in.OnReset)
		if err != nil {
			observability.RecordError(span, err)
			span.End()
			return res, l.fail(taskID, res.Turns, &LoopError{Phase: PhaseReasoning, Turn: turn, Cause: err})
		}
		res.Usage.Add(resp.Usage)

		if !resp.HasToolCalls() {
			span.End()
			res.Turns = turn
			res.Text = resp.Text
			res.append(models.AssistantMessage(resp.Text))
			l.phase(taskID, PhaseDone, turn)
			l.metrics.RecordLoop("done", res.Turns)
			logger.Debug("run complete", "turns", res.Turns)
			return res, nil
		}

		// Every call must resolve before anything from this turn is recorded.
		for _, call := range resp.ToolCalls {
			if _, _, ok := l.tools.FindTool(call.Name); !ok {
				span.End()
				err := &UnknownToolError{Name: call.Name}
				logger.Warn("model called unknown tool", "tool", call.Name)
				l.phase(taskID, PhaseError, turn)
				l.metrics.RecordLoop("unknown_tool", res.Turns)
				return res, err
			}
		}

		res.Turns = turn
		res.append(models.AssistantToolCalls(resp.ToolCalls))

		l.phase(taskID, PhaseActing, turn)
		results := l.dispatch(turnCtx, taskID, resp.ToolCalls)
		span.End()
		if err := ctx.Err(); err != nil {
			return res, l.fail(taskID, res.Turns, &LoopError{Phase: PhaseActing, Turn: turn, Cause: err})
		}
		for _, result := range results {
			res.append(models.ToolMessage(result))
		}
	}

	l.phase(taskID, PhaseMaxTurnsExceeded, res.Turns)
	l.metrics.RecordLoop("max_turns", res.Turns)
	logger.Warn("max turns exceeded", "limit", l.cfg.MaxTurns)
	return res, &MaxTurnsExceededError{TaskID: taskID, Limit: l.cfg.MaxTurns}
}

// reason performs one model call, failing over once when possible. Text
// streamed by the failed attempt is withdrawn through onReset and a delta
// reset event before the retry.
func (l *Loop) reason(ctx context.Context, logger *slog.Logger, taskID string, msgs []models.Message, onDelta func(string), onReset func()) (*models.Response, error) {
	req := &models.ChatRequest{
		Model:       l.cfg.Model,
		Messages:    models.CloneMessages(msgs),
		Tools:       l.tools.ToolDefinitions(),
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
		Stream:      true,
	}
	streamed := false
	first := onDelta
	if onDelta != nil {
		first = func(text string) {
			streamed = true
			onDelta(text)
		}
	}
	resp, err := l.transport.StreamChat(ctx, req, first)
	if err == nil || l.failover == nil || ctx.Err() != nil {
		return resp, err
	}

	switched, ok := l.failover.HandleFailure(err)
	if !ok {
		return nil, err
	}
	logger.Warn("provider failed, retrying on fallback",
		"from", switched.From, "to", switched.Provider, "model", switched.Model, "error", err)
	l.events.Publish(bus.Event{
		Type:   bus.EventFailover,
		TaskID: taskID,
		Text:   fmt.Sprintf("%s -> %s (%s)", switched.From, switched.Provider, switched.Model),
	})
	if streamed {
		if onReset != nil {
			onReset()
		}
		l.events.Publish(bus.Event{Type: bus.EventDeltaReset, TaskID: taskID})
	}
	req.Model = ""
	return l.transport.StreamChat(ctx, req, onDelta)
}

// dispatch runs calls concurrently and returns results in call order.
func (l *Loop) dispatch(ctx context.Context, taskID string, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	var g errgroup.Group
	if l.cfg.MaxConcurrency > 0 {
		g.SetLimit(l.cfg.MaxConcurrency)
	}
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = l.execute(ctx, taskID, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute runs one call. Failures become error results for the model.
func (l *Loop) execute(ctx context.Context, taskID string, call models.ToolCall) models.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()
	ctx, span := l.tracer.TraceToolExecution(ctx, call.Name, call.ID)
	defer span.End()

	l.events.Publish(bus.Event{Type: bus.EventToolStarted, TaskID: taskID, Tool: call.Name})
	start := time.Now()
	out, err := l.await(ctx, call)
	elapsed := time.Since(start)

	result := models.ToolResult{ToolCallID: call.ID}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, adapters.ErrToolTimeout) {
		err = adapters.Timeout(call.Name, l.cfg.ToolTimeout)
	}
	if err != nil {
		observability.RecordError(span, err)
		result.Content = err.Error()
		result.IsError = true
		l.logger.Debug("tool failed", "task_id", taskID, "tool", call.Name, "error", err)
	} else {
		result.Content = adapters.ResultText(out)
	}
	l.metrics.RecordToolExecution(call.Name, elapsed, result.IsError)
	l.events.Publish(bus.Event{
		Type:    bus.EventToolFinished,
		TaskID:  taskID,
		Tool:    call.Name,
		IsError: result.IsError,
	})
	return result
}

// await returns when the call completes or ctx ends, whichever is first.
// An adapter that ignores ctx keeps running and its result is discarded.
func (l *Loop) await(ctx context.Context, call models.ToolCall) (json.RawMessage, error) {
	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := l.tools.Execute(ctx, call.Name, call.Arguments)
		done <- outcome{out, err}
	}()
	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loop) compact(ctx context.Context, logger *slog.Logger, taskID string, msgs []models.Message) []models.Message {
	if l.compactor == nil || !l.compactor.NeedsCompaction(msgs) {
		return msgs
	}
	out, outcome, err := l.compactor.Compact(ctx, msgs)
	if err != nil {
		logger.Warn("compaction failed, continuing with full history", "error", err)
		return msgs
	}
	if outcome.Compacted {
		l.events.Publish(bus.Event{
			Type:   bus.EventCompaction,
			TaskID: taskID,
			Text:   fmt.Sprintf("summarized %d messages", outcome.Summarized),
		})
	}
	return out
}

func (l *Loop) deltaObserver(taskID string, onDelta func(string)) func(string) {
	if l.events == nil {
		return onDelta
	}
	return func(text string) {
		if onDelta != nil {
			onDelta(text)
		}
		l.events.Publish(bus.Event{Type: bus.EventDelta, TaskID: taskID, Text: text})
	}
}

func (l *Loop) phase(taskID string, phase LoopPhase, turn int) {
	l.events.Publish(bus.Event{Type: bus.EventPhase, TaskID: taskID, Phase: string(phase), Turn: turn})
}

func (l *Loop) fail(taskID string, turns int, err *LoopError) error {
	l.phase(taskID, PhaseError, err.Turn)
	outcome := "error"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = "cancelled"
	}
	l.metrics.RecordLoop(outcome, turns)
	l.logger.Warn("run failed", "task_id", taskID, "phase", err.Phase, "turn", err.Turn, "error", err.Cause)
	return err
}
