package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[int64]*models.Session
	messages  map[int64][]*models.Message
	nextID    int64
	nextMsgID int64
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[int64]*models.Session{},
		messages: map[int64][]*models.Message{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	session.ID = m.nextID
	if session.CreatedAt.IsZero() {
		session.CreatedAt = m.now()
	}
	m.sessions[session.ID] = cloneSession(session)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	opts = opts.normalized()
	m.mu.RLock()
	all := make([]*models.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		all = append(all, cloneSession(session))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if opts.Offset >= len(all) {
		return []*models.Session{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(all))
	return all[opts.Offset:end], nil
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, id int64, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Status = status
	return nil
}

func (m *MemoryStore) UpdateSessionProvider(ctx context.Context, id int64, provider models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Provider = provider
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return ErrSessionNotFound
	}
	m.nextMsgID++
	msg.ID = m.nextMsgID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], cloneMessage(msg))
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	stored := m.messages[sessionID]
	out := make([]*models.Message, len(stored))
	for i, msg := range stored {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	if session.ThinkingBudget != nil {
		v := *session.ThinkingBudget
		clone.ThinkingBudget = &v
	}
	if session.OnlyNMostRecentImages != nil {
		v := *session.OnlyNMostRecentImages
		clone.OnlyNMostRecentImages = &v
	}
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	clone.Content = append(json.RawMessage(nil), msg.Content...)
	return &clone
}
