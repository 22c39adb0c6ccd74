package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/dbgenie/internal/storage"
)

type documentView struct {
	ID          string    `json:"document_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Pages       int       `json:"pages"`
	Chunks      int       `json:"chunks"`
	Status      string    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newDocumentView(d storage.Document) documentView {
	return documentView{
		ID:          d.ID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		Pages:       d.Pages,
		Chunks:      d.ChunkCount,
		Status:      d.Status,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt,
	}
}

// handleUploadPDF accepts a multipart "file" field holding a PDF. The
// document is stored and queued for embedding; it becomes searchable once
// the worker has indexed it.
func handleUploadPDF(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ingester == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "document ingestion is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", maxUploadSize)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required: %v", err)
			return
		}
		defer file.Close()

		if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF files are accepted")
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		doc, err := deps.Ingester.Ingest(r.Context(), header.Filename, data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newDocumentView(doc))
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Documents == nil {
			writeJSON(w, http.StatusOK, []documentView{})
			return
		}
		docs, err := deps.Documents.ListDocuments(parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		out := make([]documentView, len(docs))
		for i, d := range docs {
			out[i] = newDocumentView(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}
