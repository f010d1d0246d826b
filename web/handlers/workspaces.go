package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/candidata/sourcer/internal/connections"
	"github.com/candidata/sourcer/internal/engine"
)

// WorkspaceHandlers contains HTTP handlers for workspace management.
type WorkspaceHandlers struct {
	manager *connections.Manager
	service *engine.Service
}

// NewWorkspaceHandlers creates a new WorkspaceHandlers instance. service
// may be nil when pipeline invalidation on workspace changes is not needed
// (e.g. in tests).
func NewWorkspaceHandlers(manager *connections.Manager, service *engine.Service) *WorkspaceHandlers {
	return &WorkspaceHandlers{
		manager: manager,
		service: service,
	}
}

// ListWorkspaces handles GET /api/workspaces - returns all workspaces.
func (h *WorkspaceHandlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaces":        h.manager.ListWorkspaces(),
		"default_workspace": h.manager.GetDefaultWorkspace(),
	})
}

// CreateWorkspaceRequest represents the request body for creating a workspace.
type CreateWorkspaceRequest struct {
	Name        string                     `json:"name"`
	DisplayName string                     `json:"display_name"`
	Description string                     `json:"description"`
	Database    connections.DatabaseConfig `json:"database"`
}

// CreateWorkspace handles POST /api/workspaces - creates a new workspace.
func (h *WorkspaceHandlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME", "workspace name is required")
		return
	}
	if err := validateDatabaseConfig(req.Database); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_DATABASE", err.Error())
		return
	}

	ws := connections.Workspace{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Enabled:     true,
		CreatedAt:   time.Now().Format(time.RFC3339),
		Database:    req.Database,
	}

	if err := h.manager.AddWorkspace(r.Context(), ws); err != nil {
		writeError(w, http.StatusBadRequest, "CREATE_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, ws)
}

// UpdateWorkspace handles PUT /api/workspaces/{name}.
func (h *WorkspaceHandlers) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME", "workspace name is required")
		return
	}

	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "failed to parse request body")
		return
	}
	if err := validateDatabaseConfig(req.Database); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_DATABASE", err.Error())
		return
	}

	// Name comes from the URL; the manager preserves created_at.
	ws := connections.Workspace{
		Name:        name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Enabled:     true,
		Database:    req.Database,
	}

	if err := h.manager.UpdateWorkspace(r.Context(), name, ws); err != nil {
		writeError(w, http.StatusBadRequest, "UPDATE_FAILED", err.Error())
		return
	}
	if h.service != nil {
		// The workspace's store config changed: drop its cached pipeline.
		h.service.InvalidateWorkspace(name)
	}

	writeJSON(w, http.StatusOK, ws)
}

// DeleteWorkspace handles DELETE /api/workspaces/{name}.
func (h *WorkspaceHandlers) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME", "workspace name is required")
		return
	}

	if err := h.manager.DeleteWorkspace(r.Context(), name); err != nil {
		writeError(w, http.StatusBadRequest, "DELETE_FAILED", err.Error())
		return
	}
	if h.service != nil {
		h.service.InvalidateWorkspace(name)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "workspace deleted successfully",
	})
}

// TestWorkspaceRequest represents the request body for testing a workspace
// configuration.
type TestWorkspaceRequest struct {
	Database connections.DatabaseConfig `json:"database"`
}

// TestWorkspace handles POST /api/workspaces/test - tests a workspace
// configuration without saving it.
func (h *WorkspaceHandlers) TestWorkspace(w http.ResponseWriter, r *http.Request) {
	var req TestWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "failed to parse request body")
		return
	}

	ws := connections.Workspace{
		Name:     "test",
		Database: req.Database,
	}

	if err := h.manager.TestWorkspace(r.Context(), ws); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "workspace test successful",
	})
}

// SetDefaultWorkspaceRequest represents the request body for setting the
// default workspace.
type SetDefaultWorkspaceRequest struct {
	Name string `json:"name"`
}

// SetDefaultWorkspace handles POST /api/workspaces/default.
func (h *WorkspaceHandlers) SetDefaultWorkspace(w http.ResponseWriter, r *http.Request) {
	var req SetDefaultWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "MISSING_NAME", "workspace name is required")
		return
	}

	if err := h.manager.SetDefaultWorkspace(r.Context(), req.Name); err != nil {
		writeError(w, http.StatusBadRequest, "SET_DEFAULT_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":           "default workspace updated",
		"default_workspace": req.Name,
	})
}

// validateDatabaseConfig checks a workspace's database configuration.
func validateDatabaseConfig(db connections.DatabaseConfig) error {
	switch db.Type {
	case "sqlite":
		if db.Path == "" {
			return fmt.Errorf("database path is required for SQLite")
		}
	case "postgresql":
		if db.Host == "" {
			return fmt.Errorf("database host is required for PostgreSQL")
		}
		if db.Database == "" {
			return fmt.Errorf("database name is required for PostgreSQL")
		}
	default:
		return fmt.Errorf("unsupported database type %q", db.Type)
	}
	return nil
}
