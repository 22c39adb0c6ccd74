package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/dbgenie/internal/retrieval"
	"github.com/kalambet/dbgenie/internal/storage"
)

// embedBatchSize bounds how many chunks are embedded per engine round trip.
const embedBatchSize = 16

// JobStore abstracts the job queue and document operations the worker uses.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	GetChunks(documentID string) ([]storage.Chunk, error)
	SetDocumentStatus(id, status, lastError string) error
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorInserter inserts records into the vector store.
type VectorInserter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
}

// Worker processes index_document jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorInserter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorInserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeIndexDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.fail(job, "", fmt.Errorf("parsing payload: %w", err))
		return true, nil
	}

	if err := w.indexDocument(ctx, payload.DocumentID); err != nil {
		w.fail(job, payload.DocumentID, err)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// fail records a failed attempt. The document is only marked failed once
// the job has used its last attempt.
func (w *Worker) fail(job *storage.Job, documentID string, err error) {
	w.logger.Warn("job failed", "job_id", job.ID, "document_id", documentID, "attempt", job.Attempts+1, "error", err)
	if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
	}
	if documentID == "" || job.Attempts+1 < job.MaxAttempts {
		return
	}
	if stErr := w.store.SetDocumentStatus(documentID, storage.DocumentFailed, err.Error()); stErr != nil {
		w.logger.Error("failed to mark document as failed", "document_id", documentID, "error", stErr)
	}
}

func (w *Worker) indexDocument(ctx context.Context, documentID string) error {
	doc, err := w.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}
	chunks, err := w.store.GetChunks(doc.ID)
	if err != nil {
		return fmt.Errorf("loading chunks for %s: %w", doc.ID, err)
	}

	start := time.Now()
	for lo := 0; lo < len(chunks); lo += embedBatchSize {
		batch := chunks[lo:min(lo+embedBatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vecs, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding chunks: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("embedding chunks: got %d vectors for %d chunks", len(vecs), len(batch))
		}

		now := time.Now().UTC()
		records := make([]retrieval.Record, len(batch))
		for i, c := range batch {
			// Vector IDs reuse chunk IDs so a retried job overwrites rather
			// than duplicates.
			records[i] = retrieval.Record{
				ID:         c.ID,
				DocumentID: doc.ID,
				DocSeq:     doc.Seq,
				ChunkIndex: c.ChunkIndex,
				Page:       c.Page,
				Offset:     c.Offset,
				Source:     doc.Filename,
				Text:       c.Text,
				Embedding:  vecs[i],
				CreatedAt:  now,
			}
		}
		if err := w.vectors.Insert(ctx, records); err != nil {
			return fmt.Errorf("inserting vectors: %w", err)
		}
	}

	if err := w.store.SetDocumentStatus(doc.ID, storage.DocumentIndexed, ""); err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	w.logger.Info("document indexed",
		"document_id", doc.ID,
		"filename", doc.Filename,
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
