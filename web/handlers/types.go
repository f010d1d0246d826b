package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/candidata/sourcer/internal/config"
	"github.com/candidata/sourcer/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RunRequest is the request format for POST /api/runs.
type RunRequest struct {
	Workspace    string             `json:"workspace,omitempty"`
	Requirements types.Requirements `json:"requirements"`
}

// RunStartedResponse is the response format for POST /api/runs.
type RunStartedResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// LoadMoreRequest is the request format for POST /api/sessions/{id}/load-more.
type LoadMoreRequest struct {
	Workspace string `json:"workspace,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// StatsResponse is the response format for GET /api/stats.
type StatsResponse struct {
	Workspace     string `json:"workspace"`
	CacheHits     int64  `json:"cache_hits"`
	CacheMisses   int64  `json:"cache_misses"`
	NegativeHits  int64  `json:"negative_hits"`
	ProfileHits   int64  `json:"profile_hits"`
	ProfileMisses int64  `json:"profile_misses"`
	Coalesced     int64  `json:"coalesced"`
	Errors        int64  `json:"errors"`
}

// ConfigResponse is the response format for GET /api/config.
// API keys are masked for security.
type ConfigResponse struct {
	StorageEngine string  `json:"storage_engine"`
	OpenAIModel   string  `json:"openai_model"`
	OpenAIAPIKey  string  `json:"openai_api_key"` // Masked
	SearchBaseURL string  `json:"search_base_url"`
	SearchAPIKey  string  `json:"search_api_key"` // Masked
	SessionTTL    int     `json:"session_ttl_hours"`
	PageSize      int     `json:"page_size"`
}

// MaskAPIKey masks an API key for safe display.
// Shows first 7 chars and last 4 chars, hides the middle.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) < 8 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// ToConfigResponse converts a config.Config to ConfigResponse with masked keys.
func ToConfigResponse(cfg *config.Config) ConfigResponse {
	return ConfigResponse{
		StorageEngine: cfg.Storage.Engine,
		OpenAIModel:   cfg.LLM.OpenAIModel,
		OpenAIAPIKey:  MaskAPIKey(cfg.LLM.OpenAIAPIKey),
		SearchBaseURL: cfg.Search.BaseURL,
		SearchAPIKey:  MaskAPIKey(cfg.Search.APIKey),
		SessionTTL:    cfg.Session.TTLHours,
		PageSize:      cfg.Session.PageSize,
	}
}

// ConfigHandler serves GET /api/config: the active configuration with
// API keys masked.
func ConfigHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, ToConfigResponse(cfg))
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("handlers: failed to encode response: %v", err)
	}
}

// writeError writes a standard error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
