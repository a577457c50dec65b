package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

var errClosed = errors.New("memory backend closed")

// MemoryBackend keeps every session log in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	turns    map[string][]chat.Turn
	sessions map[string]chat.Session
	now      func() time.Time
	closed   bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		turns:    make(map[string][]chat.Turn),
		sessions: make(map[string]chat.Session),
		now:      time.Now,
	}
}

func (m *MemoryBackend) Append(_ context.Context, sessionID string, sender chat.Sender, text string) (chat.Turn, error) {
	if err := validateAppend(sessionID, sender, text); err != nil {
		return chat.Turn{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return chat.Turn{}, unavailable("append", errClosed)
	}

	history := m.turns[sessionID]
	var last chat.Cursor
	if n := len(history); n > 0 {
		last = history[n-1].CreatedAt
	}

	turn := chat.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: nextCursor(last, m.now()),
	}
	m.turns[sessionID] = append(history, turn)
	return turn, nil
}

func (m *MemoryBackend) QueryPage(_ context.Context, sessionID string, before chat.Cursor, limit int) (chat.Page, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return chat.Page{}, unavailable("query page", errClosed)
	}

	history := m.turns[sessionID]
	end := len(history)
	if before != chat.NoCursor {
		end = sort.Search(len(history), func(i int) bool { return history[i].CreatedAt >= before })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	turns := make([]chat.Turn, end-start)
	copy(turns, history[start:end])
	return chat.Page{Turns: turns, Exhausted: len(turns) < limit}, nil
}

func (m *MemoryBackend) QueryAfter(_ context.Context, sessionID string, after chat.Cursor, limit int) ([]chat.Turn, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable("query after", errClosed)
	}

	history := m.turns[sessionID]
	start := sort.Search(len(history), func(i int) bool { return history[i].CreatedAt > after })
	end := start + limit
	if end > len(history) {
		end = len(history)
	}

	turns := make([]chat.Turn, end-start)
	copy(turns, history[start:end])
	return turns, nil
}

func (m *MemoryBackend) Count(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, unavailable("count", errClosed)
	}
	return len(m.turns[sessionID]), nil
}

func (m *MemoryBackend) PutSession(_ context.Context, session chat.Session) (chat.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return chat.Session{}, unavailable("put session", errClosed)
	}
	if existing, ok := m.sessions[session.ID]; ok {
		return existing, nil
	}
	m.sessions[session.ID] = session
	return session, nil
}

func (m *MemoryBackend) GetSession(_ context.Context, sessionID string) (chat.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return chat.Session{}, false, unavailable("get session", errClosed)
	}
	session, ok := m.sessions[sessionID]
	return session, ok, nil
}

// Close makes every later call fail with ErrUnavailable.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
