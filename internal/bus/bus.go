// Package bus broadcasts agent progress events to any number of observers.
// Slow observers never block publishers: a full subscriber drops events and
// later receives a lagged notice carrying the number it missed.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// EventType identifies an event.
type EventType string

const (
	EventPhase        EventType = "phase"
	EventDelta        EventType = "delta"
	EventDeltaReset   EventType = "delta_reset"
	EventToolStarted  EventType = "tool_started"
	EventToolFinished EventType = "tool_finished"
	EventFailover     EventType = "failover"
	EventCompaction   EventType = "compaction"
	EventLagged       EventType = "lagged"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	Phase  string    `json:"phase,omitempty"`
	Turn   int       `json:"turn,omitempty"`
	Tool   string    `json:"tool,omitempty"`
	Text   string    `json:"text,omitempty"`
	// IsError marks a failed tool call.
	IsError bool `json:"is_error,omitempty"`
	// Dropped is set on lagged notices.
	Dropped   uint64          `json:"dropped,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

type subscriber struct {
	ch      chan Event
	task    string
	mu      sync.Mutex
	dropped atomic.Uint64
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	buffer      int
	now         func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the default subscriber capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[*subscriber]struct{}),
		buffer:      DefaultBuffer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener for every event. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.subscribe("")
}

// SubscribeTask registers a listener for events of one task. Lagged notices
// are always delivered.
func (b *Bus) SubscribeTask(taskID string) (<-chan Event, func()) {
	return b.subscribe(taskID)
}

func (b *Bus) subscribe(task string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer), task: task}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to all matching subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.task != "" && ev.TaskID != sub.task {
			continue
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscriber, ev Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if n := sub.dropped.Load(); n > 0 {
		notice := Event{Type: EventLagged, TaskID: sub.task, Dropped: n, Timestamp: ev.Timestamp}
		select {
		case sub.ch <- notice:
			sub.dropped.Store(0)
		default:
			sub.dropped.Add(1)
			return
		}
	}
	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
