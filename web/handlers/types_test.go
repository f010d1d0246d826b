package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/candidata/sourcer/internal/config"
	"github.com/candidata/sourcer/web/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"empty key", "", ""},
		{"short key", "abc", "***"},
		{"seven chars", "abcdefg", "***"},
		{"normal key", "sk-proj-1234567890abcdef", "sk-proj...cdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, handlers.MaskAPIKey(tt.key))
		})
	}
}

func TestToConfigResponse_MasksSecrets(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Engine = "sqlite"
	cfg.LLM.OpenAIModel = "gpt-4o-mini"
	cfg.LLM.OpenAIAPIKey = "sk-proj-1234567890abcdef"
	cfg.Search.BaseURL = "https://search.example.com"
	cfg.Search.APIKey = "search-key-9876543210"
	cfg.Session.TTLHours = 24
	cfg.Session.PageSize = 20

	resp := handlers.ToConfigResponse(cfg)

	assert.Equal(t, "sqlite", resp.StorageEngine)
	assert.Equal(t, "gpt-4o-mini", resp.OpenAIModel)
	assert.Equal(t, 24, resp.SessionTTL)
	assert.Equal(t, 20, resp.PageSize)

	assert.NotContains(t, resp.OpenAIAPIKey, "1234567890")
	assert.NotContains(t, resp.SearchAPIKey, "9876543210")
	assert.Equal(t, "sk-proj...cdef", resp.OpenAIAPIKey)
}

func TestConfigHandler_ReturnsMaskedConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Engine = "sqlite"
	cfg.LLM.OpenAIModel = "gpt-4o-mini"
	cfg.LLM.OpenAIAPIKey = "sk-proj-1234567890abcdef"
	cfg.Session.PageSize = 20

	handler := handlers.ConfigHandler(cfg)

	req := httptest.NewRequest("GET", "/api/config", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp handlers.ConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sqlite", resp.StorageEngine)
	assert.Equal(t, 20, resp.PageSize)
	assert.Equal(t, "sk-proj...cdef", resp.OpenAIAPIKey)
	assert.NotContains(t, w.Body.String(), "1234567890")
}

func TestConfigHandler_RejectsNonGET(t *testing.T) {
	handler := handlers.ConfigHandler(&config.Config{})

	req := httptest.NewRequest("POST", "/api/config", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
