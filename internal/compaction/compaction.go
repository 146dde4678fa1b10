// Package compaction keeps conversation history bounded by replacing old
// messages with a model-written summary. Recent messages and a leading
// system prompt are always kept verbatim.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/pkg/models"
)

const (
	// DefaultMaxMessages is the history length that triggers compaction.
	DefaultMaxMessages = 50

	// DefaultKeepRecent is the number of most recent messages kept verbatim.
	DefaultKeepRecent = 10

	// DefaultInstructions steer the summarising request.
	DefaultInstructions = "Summarize the following conversation so it can replace the original messages. " +
		"Keep user goals, decisions, facts learned from tools and any open tasks. Be concise."

	mergeInstructions = "Merge these partial summaries into a single coherent summary. " +
		"Preserve key details and keep chronological order."
)

// ErrEmptySummary is returned when the model answers with no text.
var ErrEmptySummary = errors.New("summarizer returned an empty summary")

// Summarizer is the model endpoint used to write summaries.
type Summarizer interface {
	Chat(ctx context.Context, req *models.ChatRequest) (*models.Response, error)
}

// Config controls when and how history is compacted.
type Config struct {
	MaxMessages int `yaml:"max_messages" json:"max_messages"`
	KeepRecent  int `yaml:"keep_recent" json:"keep_recent"`

	// MaxChunkTokens splits very long histories into chunks that are
	// summarised separately and then merged. Zero summarises in one pass.
	MaxChunkTokens int `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`

	// Model overrides the transport's active model for summaries.
	Model        string `yaml:"model" json:"model"`
	Instructions string `yaml:"instructions" json:"instructions"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{MaxMessages: DefaultMaxMessages, KeepRecent: DefaultKeepRecent}
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.KeepRecent < 0 {
		c.KeepRecent = 0
	}
	if strings.TrimSpace(c.Instructions) == "" {
		c.Instructions = DefaultInstructions
	}
	return c
}

// Outcome describes one compaction attempt.
type Outcome struct {
	// Compacted is true when the returned history differs from the input.
	Compacted bool
	// Summarized is the number of messages replaced by the summary.
	Summarized int
	// Kept is the number of messages carried over verbatim.
	Kept    int
	Summary string
	// Err is the summariser failure, if any. The history is unchanged then.
	Err error
}

// Compactor applies the compaction policy.
type Compactor struct {
	summarizer Summarizer
	cfg        Config
	counter    *TokenCounter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compactor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records compaction attempts.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Compactor) { c.metrics = m }
}

// WithTokenCounter sets the counter used for chunking.
func WithTokenCounter(counter *TokenCounter) Option {
	return func(c *Compactor) {
		if counter != nil {
			c.counter = counter
		}
	}
}

// New creates a Compactor.
func New(summarizer Summarizer, cfg Config, opts ...Option) *Compactor {
	c := &Compactor{
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
		counter:    &TokenCounter{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Compactor) Config() Config { return c.cfg }

// NeedsCompaction reports whether msgs is longer than MaxMessages.
func (c *Compactor) NeedsCompaction(msgs []models.Message) bool {
	return len(msgs) > c.cfg.MaxMessages
}

// Compact summarises everything between the leading system prompt and the
// KeepRecent most recent messages. The result is
// [system?, summary, ...recent]. On summariser failure the original history
// is returned together with the error, which is also recorded in Outcome.
func (c *Compactor) Compact(ctx context.Context, msgs []models.Message) ([]models.Message, Outcome, error) {
	start, end := models.CompactionSplit(msgs, c.cfg.KeepRecent)
	if start == end {
		return msgs, Outcome{Kept: len(msgs)}, nil
	}

	summary, err := c.summarize(ctx, msgs[start:end])
	if err != nil {
		c.metrics.RecordCompaction("error")
		c.logger.Warn("compaction failed", "messages", end-start, "error", err)
		return msgs, Outcome{Kept: len(msgs), Err: err}, err
	}

	text := SummaryText(end-start, summary)
	out := make([]models.Message, 0, start+1+len(msgs)-end)
	out = append(out, models.CloneMessages(msgs[:start])...)
	out = append(out, models.SystemMessage(text))
	out = append(out, models.CloneMessages(msgs[end:])...)

	c.metrics.RecordCompaction("ok")
	c.logger.Info("compacted history", "summarized", end-start, "kept", len(out)-1)
	return out, Outcome{
		Compacted:  true,
		Summarized: end - start,
		Kept:       len(out) - 1,
		Summary:    text,
	}, nil
}

// SummaryText is the content of the system message that replaces n
// summarised messages.
func SummaryText(n int, summary string) string {
	return fmt.Sprintf("[summary of %d earlier messages]\n%s", n, summary)
}

func (c *Compactor) summarize(ctx context.Context, msgs []models.Message) (string, error) {
	if c.summarizer == nil {
		return "", errors.New("summarizer is nil")
	}
	chunks := c.chunks(msgs)
	if len(chunks) == 1 {
		return c.request(ctx, c.cfg.Instructions, FormatTranscript(chunks[0]))
	}

	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		part, err := c.request(ctx, c.cfg.Instructions, FormatTranscript(chunk))
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		partials = append(partials, part)
	}

	var b strings.Builder
	for i, part := range partials {
		fmt.Fprintf(&b, "Part %d summary:\n%s\n\n", i+1, part)
	}
	merged, err := c.request(ctx, mergeInstructions, strings.TrimSpace(b.String()))
	if err != nil {
		return "", fmt.Errorf("merging summaries: %w", err)
	}
	return merged, nil
}

// request issues one tool-free, deterministic summarising call.
func (c *Compactor) request(ctx context.Context, instructions, transcript string) (string, error) {
	resp, err := c.summarizer.Chat(ctx, &models.ChatRequest{
		Model: c.cfg.Model,
		Messages: []models.Message{
			models.SystemMessage(instructions),
			models.UserMessage(transcript),
		},
		Temperature: models.Float64(0),
	})
	if err != nil {
		return "", err
	}
	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Text)
	}
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

// chunks splits msgs so that no chunk exceeds MaxChunkTokens. A message
// larger than the limit gets a chunk of its own.
func (c *Compactor) chunks(msgs []models.Message) [][]models.Message {
	if c.cfg.MaxChunkTokens <= 0 {
		return [][]models.Message{msgs}
	}
	var (
		result  [][]models.Message
		current []models.Message
		tokens  int
	)
	for _, msg := range msgs {
		n := c.counter.Count(FormatTranscript([]models.Message{msg}))
		if len(current) > 0 && tokens+n > c.cfg.MaxChunkTokens {
			result = append(result, current)
			current, tokens = nil, 0
		}
		current = append(current, msg)
		tokens += n
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// FormatTranscript renders messages as "role: content" lines. Tool calls
// appear as [tool_call: name(args)] and tool results as [tool_result id].
func FormatTranscript(msgs []models.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		switch {
		case msg.Role == models.RoleTool:
			fmt.Fprintf(&b, "%s: [tool_result %s] %s\n", msg.Role, msg.ToolCallID, msg.Content)
		case len(msg.ToolCalls) > 0:
			fmt.Fprintf(&b, "%s: %s", msg.Role, msg.Content)
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, " [tool_call: %s(%s)]", call.Name, string(call.Arguments))
			}
			b.WriteByte('\n')
		default:
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return b.String()
}
