package retrieval

import (
	"context"
	"time"
)

// VectorStore holds embedded passages and answers similarity queries. The
// index is additive: passages are inserted, never updated or removed.
type VectorStore interface {
	// Insert adds records. Re-inserting a record with an existing ID replaces
	// it, so a retried indexing job does not duplicate passages.
	Insert(ctx context.Context, records []Record) error

	// Search returns up to topK records ranked by cosine similarity to vector.
	// Equal scores are ordered by document ingestion sequence, then by chunk
	// position within the document.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// Count returns the number of stored passages.
	Count(ctx context.Context) (int, error)
}

// Record is one embedded passage.
type Record struct {
	ID         string
	DocumentID string
	DocSeq     int64
	ChunkIndex int
	Page       int
	Offset     int
	Source     string // filename of the originating document
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// ranksBefore reports whether a outranks b.
func ranksBefore(aScore float32, aSeq int64, aChunk int, bScore float32, bSeq int64, bChunk int) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	if aSeq != bSeq {
		return aSeq < bSeq
	}
	return aChunk < bChunk
}
