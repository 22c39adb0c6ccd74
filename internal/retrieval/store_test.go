package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/dbgenie/internal/storage"
)

// openTestDB opens an in-memory application database with the
// passage_vectors table created by the storage migrations.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.DB()
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

// axisVector returns a vector with 1 on axis i and weight on axis 0, so
// similarity to the axis-0 query grows with weight.
func axisVector(dim, i int, weight float32) []float32 {
	v := make([]float32, dim)
	v[0] = weight
	v[i] = 1
	return v
}

func TestInsertAndSearch(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	vec := makeTestVector(768, 0.1)
	err := s.Insert(ctx, []Record{{
		ID:         "r1",
		DocumentID: "doc1",
		DocSeq:     1,
		ChunkIndex: 0,
		Page:       2,
		Offset:     120,
		Source:     "handbook.pdf",
		Text:       "Sick leave is granted for up to ten days per year.",
		Embedding:  vec,
		CreatedAt:  time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	got := results[0]
	if got.Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", got.Score)
	}
	if got.ID != "r1" || got.DocumentID != "doc1" || got.Source != "handbook.pdf" {
		t.Errorf("unexpected record: %+v", got.Record)
	}
	if got.Page != 2 || got.Offset != 120 {
		t.Errorf("page/offset = %d/%d, want 2/120", got.Page, got.Offset)
	}
}

func TestSearch_TopKOrdered(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	var records []Record
	for i := 1; i <= 10; i++ {
		records = append(records, Record{
			ID:         fmt.Sprintf("r%d", i),
			DocumentID: "doc",
			DocSeq:     1,
			ChunkIndex: i,
			Source:     "a.pdf",
			Text:       "text",
			Embedding:  axisVector(16, i%15+1, float32(i)),
		})
	}
	if err := s.Insert(ctx, records); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, axisVector(16, 0, 1), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []string{"r10", "r9", "r8"}
	for i, r := range results {
		if r.ID != want[i] {
			t.Errorf("results[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not in descending score order at %d", i)
		}
	}
}

func TestSearch_TiesBrokenByIngestionOrder(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	vec := makeTestVector(32, 0.3)
	// Inserted out of order on purpose; identical embeddings give equal scores.
	records := []Record{
		{ID: "late", DocumentID: "d3", DocSeq: 3, ChunkIndex: 0, Source: "c.pdf", Text: "c", Embedding: vec},
		{ID: "early-1", DocumentID: "d1", DocSeq: 1, ChunkIndex: 1, Source: "a.pdf", Text: "a1", Embedding: vec},
		{ID: "mid", DocumentID: "d2", DocSeq: 2, ChunkIndex: 0, Source: "b.pdf", Text: "b", Embedding: vec},
		{ID: "early-0", DocumentID: "d1", DocSeq: 1, ChunkIndex: 0, Source: "a.pdf", Text: "a0", Embedding: vec},
	}
	if err := s.Insert(ctx, records); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"early-0", "early-1", "mid"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, r := range results {
		if r.ID != want[i] {
			t.Errorf("results[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
}

func TestSearch_EmptyTable(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	results, err := s.Search(context.Background(), makeTestVector(768, 0.1), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_TopKZero(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))

	results, err := s.Search(context.Background(), makeTestVector(768, 0.1), 0)
	if err != nil {
		t.Fatalf("Search with topK=0: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for topK=0, got %d", len(results))
	}
}

func TestInsert_ReplacesSameID(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	rec := Record{ID: "chunk-1", DocumentID: "d", DocSeq: 1, Source: "a.pdf", Text: "v1", Embedding: makeTestVector(8, 0.1)}
	if err := s.Insert(ctx, []Record{rec}); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	rec.Text = "v2"
	if err := s.Insert(ctx, []Record{rec}); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCount(t *testing.T) {
	s := NewSQLiteStore(openTestDB(t))
	ctx := context.Background()

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("empty count = %d, want 0", count)
	}

	if err := s.Insert(ctx, []Record{
		{ID: "r1", DocumentID: "d", DocSeq: 1, ChunkIndex: 0, Source: "s", Text: "t", Embedding: makeTestVector(768, 0.1)},
		{ID: "r2", DocumentID: "d", DocSeq: 1, ChunkIndex: 1, Source: "s", Text: "t", Embedding: makeTestVector(768, 0.2)},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	count, err = s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDecodeFloat32s_Corrupt(t *testing.T) {
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated embedding")
	}
	v, err := decodeFloat32s(encodeFloat32s([]float32{1.5, -2}))
	if err != nil {
		t.Fatalf("decodeFloat32s: %v", err)
	}
	if len(v) != 2 || v[0] != 1.5 || v[1] != -2 {
		t.Errorf("decoded = %v", v)
	}
}
