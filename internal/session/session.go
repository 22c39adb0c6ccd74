// Package session keeps per-conversation turn history.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNotFound is returned for operations on an unknown or deleted session.
var ErrNotFound = errors.New("session not found")

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Payload references the structured material an assistant turn was built
// from.
type Payload struct {
	Routes    []string `json:"routes,omitempty"`
	Statement string   `json:"sql,omitempty"`
	RowCount  int      `json:"row_count,omitempty"`
	ChartKind string   `json:"chart_type,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Failures  []string `json:"failures,omitempty"`
}

// Turn is one message in a session. Turns are immutable once appended.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Payload   *Payload  `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session describes a conversation.
type Session struct {
	ID             string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Store holds sessions. Appends to one session are serialized; different
// sessions never block each other.
type Store interface {
	Create(ctx context.Context) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	// Append adds turns atomically, in order, after the existing history.
	Append(ctx context.Context, id string, turns ...Turn) error
	// History returns turns in append order. A positive limit keeps only the
	// most recent turns.
	History(ctx context.Context, id string, limit int) ([]Turn, error)
	// Clear empties the history; the session stays valid.
	Clear(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// EvictIdle deletes sessions with no activity since cutoff.
	EvictIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// RunJanitor evicts sessions idle for longer than idle every interval until
// ctx is cancelled.
func RunJanitor(ctx context.Context, store Store, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.EvictIdle(ctx, now.Add(-idle))
			if err != nil {
				slog.Warn("session eviction failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("evicted idle sessions", "count", n, "idle_timeout", idle)
			}
		}
	}
}
