package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses.
const (
	DocumentPending = "pending"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// Document is an ingested source file. Seq is assigned by the store on
// insert and defines ingestion order.
type Document struct {
	ID          string
	Seq         int64
	Filename    string
	ContentType string
	Pages       int
	ChunkCount  int
	Status      string
	LastError   string
	CreatedAt   time.Time
}

// Chunk is a passage of a document awaiting (or past) embedding.
type Chunk struct {
	ID         string
	DocumentID string
	DocSeq     int64
	ChunkIndex int
	Page       int
	Offset     int
	Text       string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type TurnRecord struct {
	ID          string
	SessionID   string
	Seq         int
	Role        string
	Content     string
	PayloadJSON string
	CreatedAt   time.Time
}
