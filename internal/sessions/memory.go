package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openintentos/openintent/pkg/models"
)

// MemoryStore is an in-process Store and BotState with the same semantics
// as SQLStore. It backs tests and ephemeral runs.
type MemoryStore struct {
	opts options
	ids  *idGenerator

	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]models.SessionMessage
	state    map[string]string
	nextID   int64
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ BotState = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:     buildOptions(opts),
		ids:      newIDGenerator(),
		sessions: map[string]*models.Session{},
		messages: map[string][]models.SessionMessage{},
		state:    map[string]string{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, name, model string) (*models.Session, error) {
	now := m.opts.now().UTC()
	id, err := m.ids.next(now)
	if err != nil {
		return nil, err
	}
	session := &models.Session{ID: id, Name: name, Model: model, CreatedAt: now, UpdatedAt: now}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = session
	return cloneSession(session), nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneSession(s))
	}
	m.mu.RUnlock()
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, id string, msg models.Message) (models.SessionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.SessionMessage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	now := advance(m.opts.now().UTC(), s.UpdatedAt)
	m.nextID++
	stored := models.SessionMessage{ID: m.nextID, SessionID: id, Message: msg.Clone(), CreatedAt: now}
	m.messages[id] = append(m.messages[id], stored)
	s.MessageCount++
	s.TokenCount += messageTokens(m.opts.counter, msg)
	s.UpdatedAt = now
	return cloneStored(stored), nil
}

func (m *MemoryStore) GetMessages(ctx context.Context, id string, limit int) ([]models.SessionMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	all := m.messages[id]
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	out := make([]models.SessionMessage, len(all))
	for i, sm := range all {
		out[i] = cloneStored(sm)
	}
	return out, nil
}

func (m *MemoryStore) CompactMessages(ctx context.Context, id, summary string, keepRecent int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	stored := m.messages[id]
	start, end := models.CompactionSplit(models.Messages(stored), keepRecent)
	if start == end {
		return 0, nil
	}
	now := advance(m.opts.now().UTC(), s.UpdatedAt)
	summaryMsg := models.SessionMessage{
		ID:        stored[start].ID,
		SessionID: id,
		Message:   models.SystemMessage(summary),
		CreatedAt: now,
	}

	next := make([]models.SessionMessage, 0, len(stored)-(end-start)+1)
	next = append(next, stored[:start]...)
	next = append(next, summaryMsg)
	next = append(next, stored[end:]...)
	m.messages[id] = next

	s.MessageCount = int64(len(next))
	s.TokenCount = 0
	for _, sm := range next {
		s.TokenCount += messageTokens(m.opts.counter, sm.Message)
	}
	s.UpdatedAt = now
	return end - start, nil
}

func (m *MemoryStore) GetState(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *MemoryStore) SetState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *MemoryStore) DeleteState(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneStored(sm models.SessionMessage) models.SessionMessage {
	sm.Message = sm.Message.Clone()
	return sm
}

// sortSessions orders most recently updated first.
func sortSessions(list []*models.Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID > list[j].ID
	})
}
