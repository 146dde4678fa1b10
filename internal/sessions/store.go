// Package sessions persists conversations and bot key/value state.
package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"github.com/openintentos/openintent/pkg/models"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, name, model string) (*models.Session, error)
	List(ctx context.Context) ([]*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error

	// AppendMessage stores msg at the end of the session and bumps the
	// session counters.
	AppendMessage(ctx context.Context, id string, msg models.Message) (models.SessionMessage, error)
	// GetMessages returns the whole history when limit <= 0, otherwise the
	// most recent limit messages, oldest first.
	GetMessages(ctx context.Context, id string, limit int) ([]models.SessionMessage, error)
	// CompactMessages replaces the range chosen by models.CompactionSplit
	// with one system message carrying summary, in a single transaction.
	CompactMessages(ctx context.Context, id, summary string, keepRecent int) (int, error)

	Close() error
}

// BotState is process-wide key/value state that survives restarts.
type BotState interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}

// SerializationError reports a message that could not be encoded or
// decoded for storage.
type SerializationError struct {
	Field string
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s: %v", e.Field, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// TokenCounter estimates the token size of text.
type TokenCounter interface {
	Count(text string) int
}

// estimateCounter is the len/4 fallback used when no counter is configured.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// messageTokens counts content plus tool call names and arguments.
func messageTokens(c TokenCounter, msg models.Message) int64 {
	n := c.Count(msg.Content)
	for _, call := range msg.ToolCalls {
		n += c.Count(call.Name) + c.Count(string(call.Arguments))
	}
	return int64(n)
}

// idGenerator produces lexically sortable session ids.
type idGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDGenerator() *idGenerator {
	return &idGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *idGenerator) next(t time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// Option configures a store.
type Option func(*options)

type options struct {
	counter TokenCounter
	now     func() time.Time
}

// WithTokenCounter sets the counter used for Session.TokenCount.
func WithTokenCounter(c TokenCounter) Option {
	return func(o *options) {
		if c != nil {
			o.counter = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{counter: estimateCounter{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// advance returns a timestamp strictly after prev.
func advance(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
