package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/dbgenie/internal/pipeline"
	"github.com/kalambet/dbgenie/internal/session"
)

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Create(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		deps.Recorder.SessionEvent("created")
		writeJSON(w, http.StatusCreated, s)
	}
}

// sessionParam returns the {id} URL parameter, writing a 400 when it is not
// a UUID.
func sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, fmt.Errorf("%w: session id must be a UUID", pipeline.ErrValidation))
		return "", false
	}
	return id, true
}

func handleSessionHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionParam(w, r)
		if !ok {
			return
		}
		turns, err := deps.Sessions.History(r.Context(), id, parseIntParam(r, "limit", 0, 0))
		if err != nil {
			writeError(w, err)
			return
		}
		if turns == nil {
			turns = []session.Turn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"history":    turns,
		})
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionParam(w, r)
		if !ok {
			return
		}
		if err := deps.Sessions.Clear(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		deps.Recorder.SessionEvent("cleared")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionParam(w, r)
		if !ok {
			return
		}
		if err := deps.Sessions.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		deps.Recorder.SessionEvent("deleted")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
