package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/dbgenie/internal/storage"
)

var _ Store = (*SQLStore)(nil)

// lockStripes bounds the number of mutexes used to serialize writes per
// session id.
const lockStripes = 64

// SQLStore persists sessions in the application SQLite database so history
// survives restarts.
type SQLStore struct {
	db    *storage.Store
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

func NewSQLStore(db *storage.Store) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) Create(ctx context.Context) (Session, error) {
	now := s.now().UTC()
	id := uuid.New().String()
	if err := s.db.CreateSession(ctx, id, now); err != nil {
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return Session{ID: id, CreatedAt: now, LastActivityAt: now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Session, error) {
	rec, err := s.db.GetSession(ctx, id)
	if err != nil {
		return Session{}, mapNotFound(err)
	}
	return Session{ID: rec.ID, CreatedAt: rec.CreatedAt, LastActivityAt: rec.LastActivityAt}, nil
}

func (s *SQLStore) Append(ctx context.Context, id string, turns ...Turn) error {
	unlock := s.lock(id)
	defer unlock()

	now := s.now().UTC()
	records := make([]storage.TurnRecord, len(turns))
	for i, t := range turns {
		payload := ""
		if t.Payload != nil {
			raw, err := json.Marshal(t.Payload)
			if err != nil {
				return fmt.Errorf("encoding turn payload: %w", err)
			}
			payload = string(raw)
		}
		records[i] = storage.TurnRecord{
			ID:          uuid.New().String(),
			Role:        t.Role,
			Content:     t.Content,
			PayloadJSON: payload,
			CreatedAt:   t.Timestamp,
		}
	}
	if err := s.db.AppendTurns(ctx, id, records, now); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, id string, limit int) ([]Turn, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	records, err := s.db.ListTurns(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	turns := make([]Turn, len(records))
	for i, r := range records {
		turns[i] = Turn{Role: r.Role, Content: r.Content, Timestamp: r.CreatedAt}
		if r.PayloadJSON != "" {
			var p Payload
			if err := json.Unmarshal([]byte(r.PayloadJSON), &p); err != nil {
				return nil, fmt.Errorf("decoding payload of turn %d: %w", r.Seq, err)
			}
			turns[i].Payload = &p
		}
	}
	return turns, nil
}

func (s *SQLStore) Clear(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return mapNotFound(s.db.ClearTurns(ctx, id, s.now().UTC()))
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return mapNotFound(s.db.DeleteSession(ctx, id))
}

func (s *SQLStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.db.IdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing idle sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		evicted, err := s.evictIfIdle(ctx, id, cutoff)
		if err != nil {
			return n, err
		}
		if evicted {
			n++
		}
	}
	return n, nil
}

// evictIfIdle re-checks activity in the delete itself so a session that
// received a turn since the scan survives.
func (s *SQLStore) evictIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := s.lock(id)
	defer unlock()
	evicted, err := s.db.DeleteSessionIfIdle(ctx, id, cutoff)
	if err != nil {
		return false, fmt.Errorf("evicting session %s: %w", id, err)
	}
	return evicted, nil
}
