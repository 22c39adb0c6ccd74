package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/kalambet/dbgenie/internal/storage"
)

// JobTypeIndexDocument is the job type handled by Worker.
const JobTypeIndexDocument = "index_document"

// ErrEmptyDocument is returned when extraction yields no text.
var ErrEmptyDocument = errors.New("document contains no extractable text")

// DocumentStore is the persistence the Indexer needs.
type DocumentStore interface {
	CreateDocument(d storage.Document) (storage.Document, error)
	SaveChunks(documentID string, chunks []storage.Chunk) error
	FindDocumentByFilename(filename string) (storage.Document, error)
	SetDocumentStatus(id, status, lastError string) error
	EnqueueJob(job storage.Job) error
}

// Indexer turns uploaded files into stored chunks plus an embedding job.
// Embedding itself happens asynchronously in Worker.
type Indexer struct {
	store   DocumentStore
	chunker Chunker
}

// NewIndexer creates an Indexer.
func NewIndexer(store DocumentStore, chunker Chunker) *Indexer {
	return &Indexer{store: store, chunker: chunker}
}

type indexPayload struct {
	DocumentID string `json:"document_id"`
}

// Ingest extracts, chunks and persists a document and enqueues it for
// embedding. The returned document is in the pending state.
func (ix *Indexer) Ingest(ctx context.Context, filename string, data []byte) (storage.Document, error) {
	filename = filepath.Base(filename)
	ext, err := Extract(filename, data)
	if err != nil {
		return storage.Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.Document{}, err
	}

	pieces := ix.chunker.Split(ext.Pages)
	if len(pieces) == 0 {
		return storage.Document{}, fmt.Errorf("%s: %w", filename, ErrEmptyDocument)
	}

	doc, err := ix.store.CreateDocument(storage.Document{
		ID:          uuid.New().String(),
		Filename:    filename,
		ContentType: ext.ContentType,
		Pages:       len(ext.Pages),
	})
	if err != nil {
		return storage.Document{}, fmt.Errorf("creating document: %w", err)
	}

	chunks := make([]storage.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = storage.Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			DocSeq:     doc.Seq,
			ChunkIndex: i,
			Page:       p.Page,
			Offset:     p.Offset,
			Text:       p.Text,
		}
	}
	if err := ix.store.SaveChunks(doc.ID, chunks); err != nil {
		ix.markFailed(doc.ID, err)
		return storage.Document{}, fmt.Errorf("saving chunks: %w", err)
	}
	doc.ChunkCount = len(chunks)

	payload, _ := json.Marshal(indexPayload{DocumentID: doc.ID})
	if err := ix.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeIndexDocument,
		PayloadJSON: string(payload),
	}); err != nil {
		ix.markFailed(doc.ID, err)
		return storage.Document{}, fmt.Errorf("enqueueing index job: %w", err)
	}

	slog.Info("document queued for indexing",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"pages", doc.Pages,
		"chunks", doc.ChunkCount,
	)
	return doc, nil
}

func (ix *Indexer) markFailed(id string, cause error) {
	if err := ix.store.SetDocumentStatus(id, storage.DocumentFailed, cause.Error()); err != nil {
		slog.Error("failed to mark document as failed", "document_id", id, "error", err)
	}
}

// PreloadDir ingests every supported file in dir that has not been ingested
// before (matched by filename). Files that fail are logged and skipped.
// It returns the number of newly ingested documents.
func (ix *Indexer) PreloadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading preload directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		if _, err := ix.store.FindDocumentByFilename(e.Name()); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return n, fmt.Errorf("checking %s: %w", e.Name(), err)
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("skipping preload file", "filename", e.Name(), "error", err)
			continue
		}
		if _, err := ix.Ingest(ctx, e.Name(), data); err != nil {
			slog.Warn("skipping preload file", "filename", e.Name(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}
