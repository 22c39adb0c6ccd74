// Package api exposes the chat engine over HTTP, WebSocket and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/ingest"
	"github.com/kalambet/dbgenie/internal/pipeline"
	"github.com/kalambet/dbgenie/internal/session"
	"github.com/kalambet/dbgenie/internal/sqldb"
	"github.com/kalambet/dbgenie/internal/sqlgen"
	"github.com/kalambet/dbgenie/internal/storage"
	"github.com/kalambet/dbgenie/internal/viz"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 32 << 20 // 32MB
)

// Asker runs chat turns.
type Asker interface {
	Ask(ctx context.Context, sessionID, message string) (*pipeline.Reply, error)
}

// DocumentIngester accepts documents for indexing.
type DocumentIngester interface {
	Ingest(ctx context.Context, filename string, data []byte) (storage.Document, error)
}

// DocumentLister lists ingested documents.
type DocumentLister interface {
	ListDocuments(limit int) ([]storage.Document, error)
}

// SchemaCache serves the relational schema.
type SchemaCache interface {
	Get(ctx context.Context) (*sqldb.Schema, error)
	Refresh(ctx context.Context) (*sqldb.Schema, error)
}

// QueryExecutor runs caller-supplied read-only SQL.
type QueryExecutor interface {
	Execute(ctx context.Context, stmt string) (*sqldb.Result, error)
}

// SessionRecorder counts session lifecycle events.
type SessionRecorder interface {
	SessionEvent(event string)
}

// Deps holds everything the HTTP surface needs. The database fields are nil
// when no relational source is configured; those endpoints then answer 503.
type Deps struct {
	Chat      Asker
	Sessions  session.Store
	Ingester  DocumentIngester
	Documents DocumentLister
	Schema    SchemaCache
	Source    sqldb.Source
	SQL       QueryExecutor
	Metrics   http.Handler
	Recorder  SessionRecorder
}

// NewHandler returns the router for the public API.
func NewHandler(deps Deps) http.Handler {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Post("/session", handleCreateSession(deps))
	r.Get("/session/{id}/history", handleSessionHistory(deps))
	r.Post("/session/{id}/clear", handleClearSession(deps))
	r.Delete("/session/{id}", handleDeleteSession(deps))

	r.Post("/chat", handleChat(deps))
	r.Post("/chat/stream", handleChatStream(deps))
	r.Get("/chat/ws", handleChatWebSocket(deps))

	r.Post("/upload-pdf", handleUploadPDF(deps))
	r.Get("/documents", handleListDocuments(deps))

	r.Get("/database/schema", handleSchema(deps))
	r.Post("/database/schema/refresh", handleRefreshSchema(deps))
	r.Get("/database/tables/{name}/sample", handleSampleTable(deps))
	r.Post("/query/sql", handleQuerySQL(deps))
	r.Post("/visualize", handleVisualize(deps))

	return r
}

type nopRecorder struct{}

func (nopRecorder) SessionEvent(string) {}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// errorStatus maps an error to its HTTP status and envelope type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrValidation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, sqldb.ErrUnknownTable):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, sqlgen.ErrMutationRejected), errors.Is(err, sqlgen.ErrNotSelect), errors.Is(err, sqlgen.ErrPolicyDenied):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, sqldb.ErrNotConfigured):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, composer.ErrAllRoutesFailed):
		return http.StatusBadGateway, "route_failure"
	case errors.Is(err, viz.ErrInsufficientData), errors.Is(err, ingest.ErrUnsupportedType), errors.Is(err, ingest.ErrEmptyDocument):
		return http.StatusUnprocessableEntity, "invalid_request_error"
	}
	return http.StatusInternalServerError, "api_error"
}

// writeError renders err with its mapped status. Route failures also carry
// the per-route diagnostics.
func writeError(w http.ResponseWriter, err error) {
	code, errType := errorStatus(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	body := map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    errType,
		},
	}
	var rf *composer.RouteFailureError
	if errors.As(err, &rf) {
		body["diagnostics"] = rf.Diagnostics
	}
	writeJSON(w, code, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
