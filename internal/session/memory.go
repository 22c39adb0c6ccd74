package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

type memorySession struct {
	mu      sync.Mutex
	meta    Session
	turns   []Turn
	deleted bool
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession), now: time.Now}
}

func (m *MemoryStore) lookup(id string) (*memorySession, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Create(_ context.Context) (Session, error) {
	now := m.now().UTC()
	meta := Session{ID: uuid.New().String(), CreatedAt: now, LastActivityAt: now}
	m.mu.Lock()
	m.sessions[meta.ID] = &memorySession{meta: meta}
	m.mu.Unlock()
	return meta, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return Session{}, ErrNotFound
	}
	return s.meta, nil
}

func (m *MemoryStore) Append(_ context.Context, id string, turns ...Turn) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent Delete may have won the race after lookup.
	if s.deleted {
		return ErrNotFound
	}
	now := m.now().UTC()
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		s.turns = append(s.turns, t)
	}
	s.meta.LastActivityAt = now
	return nil
}

func (m *MemoryStore) History(_ context.Context, id string, limit int) ([]Turn, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return nil, ErrNotFound
	}
	turns := s.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *MemoryStore) Clear(_ context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrNotFound
	}
	s.turns = nil
	s.meta.LastActivityAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.deleted = true
	s.turns = nil
	s.mu.Unlock()
	return nil
}

func (m *MemoryStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.meta.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range idle {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if m.evictIfIdle(id, cutoff) {
			n++
		}
	}
	return n, nil
}

// evictIfIdle re-checks activity under the session lock so a session that
// received a turn since the scan survives.
func (m *MemoryStore) evictIfIdle(id string, cutoff time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.meta.LastActivityAt.Before(cutoff) {
		return false
	}
	delete(m.sessions, id)
	s.deleted = true
	s.turns = nil
	return true
}
