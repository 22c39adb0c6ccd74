package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kalambet/dbgenie/internal/storage"
)

func TestIngest_PersistsDocumentChunksAndJob(t *testing.T) {
	store := openTestStore(t)
	ix := NewIndexer(store, NewChunker(3000, 200))

	doc, err := ix.Ingest(context.Background(), "/tmp/uploads/policy.pdf", buildPDF("Sick leave policy", "Annual leave guideline"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.Filename != "policy.pdf" {
		t.Errorf("filename = %q, want base name", doc.Filename)
	}
	if doc.Seq != 1 || doc.Pages != 2 || doc.ChunkCount != 2 || doc.Status != storage.DocumentPending {
		t.Errorf("doc = %+v", doc)
	}

	chunks, err := store.GetChunks(doc.ID)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Page != 1 || chunks[1].Page != 2 || chunks[1].DocSeq != doc.Seq {
		t.Errorf("chunks = %+v", chunks)
	}

	job, err := store.ClaimNextJob([]string{JobTypeIndexDocument})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.DocumentID != doc.ID {
		t.Errorf("payload document_id = %q, want %q", payload.DocumentID, doc.ID)
	}
}

func TestIngest_IngestionSequenceIncreases(t *testing.T) {
	store := openTestStore(t)
	ix := NewIndexer(store, NewChunker(0, 0))

	first, err := ix.Ingest(context.Background(), "a.txt", []byte("first"))
	if err != nil {
		t.Fatalf("Ingest a: %v", err)
	}
	second, err := ix.Ingest(context.Background(), "b.txt", []byte("second"))
	if err != nil {
		t.Fatalf("Ingest b: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq %d not after %d", second.Seq, first.Seq)
	}
}

func TestIngest_Rejections(t *testing.T) {
	store := openTestStore(t)
	ix := NewIndexer(store, NewChunker(0, 0))

	_, err := ix.Ingest(context.Background(), "blank.txt", []byte("   \n\t "))
	if !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("blank document error = %v, want ErrEmptyDocument", err)
	}
	_, err = ix.Ingest(context.Background(), "sheet.xlsx", []byte("data"))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("xlsx error = %v, want ErrUnsupportedType", err)
	}

	docs, err := store.ListDocuments(10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("rejected uploads created %d documents", len(docs))
	}
}

func TestPreloadDir_SkipsKnownAndUnsupported(t *testing.T) {
	store := openTestStore(t)
	ix := NewIndexer(store, NewChunker(0, 0))
	dir := t.TempDir()

	files := map[string]string{
		"handbook.txt":  "Remote work is allowed two days a week.",
		"benefits.html": "<p>Health insurance covers dependants.</p>",
		"numbers.csv":   "a,b\n1,2",
		"empty.md":      "",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.txt"), 0o755); err != nil {
		t.Fatal(err)
	}

	n, err := ix.PreloadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("PreloadDir: %v", err)
	}
	if n != 2 {
		t.Errorf("first preload ingested %d, want 2", n)
	}

	n, err = ix.PreloadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("second PreloadDir: %v", err)
	}
	if n != 0 {
		t.Errorf("second preload ingested %d, want 0", n)
	}

	docs, err := store.ListDocuments(10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	// Sorted directory order decides ingestion sequence.
	if len(docs) != 2 || docs[0].Filename != "benefits.html" || docs[1].Filename != "handbook.txt" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestPreloadDir_MissingDir(t *testing.T) {
	ix := NewIndexer(openTestStore(t), NewChunker(0, 0))
	if _, err := ix.PreloadDir(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
