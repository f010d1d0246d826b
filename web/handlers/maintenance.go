package handlers

import (
	"net/http"

	"github.com/candidata/sourcer/internal/engine"
)

// MaintenanceHandlers exposes per-workspace cache maintenance: pruning
// expired lookup entries, stale profiles, and lapsed sessions.
type MaintenanceHandlers struct {
	service *engine.Service
}

// NewMaintenanceHandlers creates the maintenance handlers.
func NewMaintenanceHandlers(service *engine.Service) *MaintenanceHandlers {
	return &MaintenanceHandlers{service: service}
}

// PruneResponse is the response format for the prune endpoint.
type PruneResponse struct {
	Workspace       string `json:"workspace"`
	LookupsRemoved  int    `json:"lookups_removed"`
	ProfilesRemoved int    `json:"profiles_removed"`
	SessionsRemoved int    `json:"sessions_removed"`
}

// Prune handles POST /api/workspaces/{name}/maintenance/prune.
func (h *MaintenanceHandlers) Prune(w http.ResponseWriter, r *http.Request) {
	workspace := r.PathValue("name")

	lookups, profiles, sessions, err := h.service.Prune(r.Context(), workspace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "PRUNE_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, PruneResponse{
		Workspace:       workspace,
		LookupsRemoved:  lookups,
		ProfilesRemoved: profiles,
		SessionsRemoved: sessions,
	})
}
