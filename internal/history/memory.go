package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and single-node development.
//
// Memory is safe for concurrent use by multiple goroutines.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	turns    map[string][]Turn
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]Turn),
	}
}

func (m *Memory) CreateSession(_ context.Context, id, owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionExists)
	}
	s := &Session{ID: id, Owner: owner, CreatedAt: time.Now()}
	m.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSessions(_ context.Context, owner string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []Session
	for _, s := range m.sessions {
		if s.Owner == owner {
			sessions = append(sessions, *s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (m *Memory) Append(_ context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	now := time.Now()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		m.turns[sessionID] = append(m.turns[sessionID], t)
	}
	return nil
}

func (m *Memory) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	turns := m.turns[sessionID]
	cp := make([]Turn, len(turns))
	copy(cp, turns)
	return cp, nil
}
