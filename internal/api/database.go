package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/dbgenie/internal/sqldb"
	"github.com/kalambet/dbgenie/internal/viz"
)

type schemaResponse struct {
	Tables      []string      `json:"tables"`
	Schema      *sqldb.Schema `json:"schema"`
	Description string        `json:"description"`
}

func newSchemaResponse(s *sqldb.Schema) schemaResponse {
	return schemaResponse{Tables: s.TableNames(), Schema: s, Description: s.Describe()}
}

func handleSchema(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Schema == nil {
			writeError(w, sqldb.ErrNotConfigured)
			return
		}
		s, err := deps.Schema.Get(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSchemaResponse(s))
	}
}

func handleRefreshSchema(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Schema == nil {
			writeError(w, sqldb.ErrNotConfigured)
			return
		}
		s, err := deps.Schema.Refresh(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newSchemaResponse(s))
	}
}

func handleSampleTable(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Schema == nil || deps.Source == nil {
			writeError(w, sqldb.ErrNotConfigured)
			return
		}
		name := chi.URLParam(r, "name")
		limit := parseIntParam(r, "limit", sqldb.DefaultSampleLimit, 0)

		res, err := sqldb.SampleRows(r.Context(), deps.Schema, deps.Source, name, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"table_name":  name,
			"columns":     res.Columns,
			"sample_data": rowsOrEmpty(res.Rows),
			"row_count":   res.RowCount,
		})
	}
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	SQL        string           `json:"sql"`
	Columns    []string         `json:"columns"`
	Data       []map[string]any `json:"data"`
	RowCount   int              `json:"row_count"`
	Truncated  bool             `json:"truncated"`
	DurationMs int64            `json:"duration_ms"`
}

func newQueryResponse(res *sqldb.Result) queryResponse {
	return queryResponse{
		SQL:        res.Statement,
		Columns:    res.Columns,
		Data:       rowsOrEmpty(res.Rows),
		RowCount:   res.RowCount,
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
	}
}

func handleQuerySQL(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if deps.SQL == nil {
			writeError(w, sqldb.ErrNotConfigured)
			return
		}
		res, err := deps.SQL.Execute(r.Context(), req.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newQueryResponse(res))
	}
}

type visualizeRequest struct {
	Data      []map[string]any `json:"data"`
	Columns   []string         `json:"columns"`
	Query     string           `json:"query"`
	ChartType string           `json:"chart_type"`
	Title     string           `json:"title"`
	X         string           `json:"x_column"`
	Y         string           `json:"y_column"`
}

// handleVisualize plans a chart for inline rows, or for the result of a
// read-only query when no rows are given.
func handleVisualize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req visualizeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		kind, err := viz.ParseKind(req.ChartType)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		plan := viz.Request{
			Columns: req.Columns,
			Rows:    req.Data,
			Kind:    kind,
			Title:   req.Title,
			X:       req.X,
			Y:       req.Y,
		}
		if len(req.Data) == 0 && strings.TrimSpace(req.Query) != "" {
			if deps.SQL == nil {
				writeError(w, sqldb.ErrNotConfigured)
				return
			}
			res, err := deps.SQL.Execute(r.Context(), req.Query)
			if err != nil {
				writeError(w, err)
				return
			}
			plan.Columns, plan.Rows, plan.Statement = res.Columns, res.Rows, res.Statement
		}

		artifact, err := viz.Plan(plan)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, artifact)
	}
}

func rowsOrEmpty(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}
