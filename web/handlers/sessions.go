package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/candidata/sourcer/internal/engine"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

// SessionHandlers serves incremental pages from existing search sessions.
type SessionHandlers struct {
	service *engine.Service
}

// NewSessionHandlers creates the session handlers.
func NewSessionHandlers(service *engine.Service) *SessionHandlers {
	return &SessionHandlers{service: service}
}

// LoadMore handles POST /api/sessions/{id}/load-more.
func (h *SessionHandlers) LoadMore(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SESSION_ID", "session id is required")
		return
	}

	var req LoadMoreRequest
	if r.Body != nil {
		// An empty body means defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mgr, err := h.service.Sessions(req.Workspace)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_WORKSPACE", err.Error())
		return
	}

	page, err := mgr.LoadMore(r.Context(), sessionID, req.Count)
	if err != nil {
		status, code := sessionErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Refresh handles POST /api/sessions/{id}/refresh.
func (h *SessionHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SESSION_ID", "session id is required")
		return
	}

	var req LoadMoreRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mgr, err := h.service.Sessions(req.Workspace)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_WORKSPACE", err.Error())
		return
	}

	page, err := mgr.Refresh(r.Context(), sessionID)
	if err != nil {
		status, code := sessionErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// sessionErrorStatus maps session errors onto HTTP status codes.
func sessionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrSessionExpired):
		return http.StatusGone, "SESSION_EXPIRED"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case types.IsTransient(err):
		return http.StatusBadGateway, "BACKEND_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "SESSION_ERROR"
	}
}
