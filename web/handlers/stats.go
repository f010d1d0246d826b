package handlers

import (
	"net/http"

	"github.com/candidata/sourcer/internal/engine"
)

// StatsHandlers serves resolution-cache metrics per workspace.
type StatsHandlers struct {
	service *engine.Service
}

// NewStatsHandlers creates the stats handlers.
func NewStatsHandlers(service *engine.Service) *StatsHandlers {
	return &StatsHandlers{service: service}
}

// GetStats handles GET /api/stats?workspace=name. An absent workspace
// parameter selects the default workspace.
func (h *StatsHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	workspace := r.URL.Query().Get("workspace")

	metrics, err := h.service.ResolverMetrics(workspace)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_WORKSPACE", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Workspace:     workspace,
		CacheHits:     metrics.Hits,
		CacheMisses:   metrics.Misses,
		NegativeHits:  metrics.NegativeHits,
		ProfileHits:   metrics.ProfileHits,
		ProfileMisses: metrics.ProfileMisses,
		Coalesced:     metrics.Coalesced,
		Errors:        metrics.Errors,
	})
}
