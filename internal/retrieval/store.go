package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// timestampLayout matches the layout the storage package writes.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore provides vector storage and brute-force cosine similarity search
// over the passage_vectors table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The passage_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert adds records to the passage_vectors table.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO passage_vectors
			(id, document_id, doc_seq, chunk_index, page, char_offset, source, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx, r.ID, r.DocumentID, r.DocSeq, r.ChunkIndex, r.Page, r.Offset,
			r.Source, r.Text, encodeFloat32s(r.Embedding), createdAt.UTC().Format(timestampLayout))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// candidate holds only the ranking keys during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type candidate struct {
	ID         string
	DocSeq     int64
	ChunkIndex int
	Score      float32
}

func (c candidate) outranks(o candidate) bool {
	return ranksBefore(c.Score, c.DocSeq, c.ChunkIndex, o.Score, o.DocSeq, o.ChunkIndex)
}

// Search performs brute-force cosine similarity search over all vectors,
// returning the top-K records in rank order.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan ranking keys + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc_seq, chunk_index, embedding FROM passage_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocSeq, &c.ChunkIndex, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}

		c.Score = dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, c)
		} else if c.outranks((*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	top := make(map[string]candidate, h.Len())
	args := make([]any, 0, h.Len())
	for _, c := range *h {
		top[c.ID] = c
		args = append(args, c.ID)
	}

	query := `SELECT id, document_id, doc_seq, chunk_index, page, char_offset, source, text, created_at
		FROM passage_vectors WHERE id IN (?` + strings.Repeat(",?", len(args)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	results := make([]ScoredRecord, 0, len(args))
	for fullRows.Next() {
		var r Record
		var createdAt string
		if err := fullRows.Scan(&r.ID, &r.DocumentID, &r.DocSeq, &r.ChunkIndex, &r.Page, &r.Offset,
			&r.Source, &r.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		t, err := time.Parse(timestampLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		results = append(results, ScoredRecord{Record: r, Score: top[r.ID].Score})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN query doesn't preserve order.
	slices.SortFunc(results, func(a, b ScoredRecord) int {
		switch {
		case ranksBefore(a.Score, a.DocSeq, a.ChunkIndex, b.Score, b.DocSeq, b.ChunkIndex):
			return -1
		case ranksBefore(b.Score, b.DocSeq, b.ChunkIndex, a.Score, a.DocSeq, a.ChunkIndex):
			return 1
		}
		return 0
	})

	return results, nil
}

// Count returns the number of records in the passage_vectors table.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM passage_vectors").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return count, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap keeps the weakest retained candidate at the root so it can be
// replaced when a better one is scanned.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[j].outranks(h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
