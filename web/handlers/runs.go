package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candidata/sourcer/internal/engine"
	"github.com/candidata/sourcer/pkg/types"
)

// runTimeout bounds one end-to-end pipeline run launched over HTTP.
const runTimeout = 10 * time.Minute

// RunStatus is the lifecycle of one tracked run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is what GET /api/runs/{id} returns.
type RunRecord struct {
	RunID      string            `json:"run_id"`
	Workspace  string            `json:"workspace"`
	Status     RunStatus         `json:"status"`
	Error      string            `json:"error,omitempty"`
	Result     *engine.RunResult `json:"result,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunHandlers launches pipeline runs and serves their status. Runs
// execute asynchronously; progress streams over the websocket hub and the
// final result is kept in memory for polling.
type RunHandlers struct {
	service *engine.Service
	hub     *WebSocketHub

	mu   sync.RWMutex
	runs map[string]*RunRecord
}

// NewRunHandlers creates the run handlers.
func NewRunHandlers(service *engine.Service, hub *WebSocketHub) *RunHandlers {
	return &RunHandlers{
		service: service,
		hub:     hub,
		runs:    make(map[string]*RunRecord),
	}
}

// StartRun handles POST /api/runs: validates, assigns a run ID, launches
// the pipeline in the background and returns immediately. Progress for
// the run streams over the websocket hub under the same run ID.
func (h *RunHandlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if err := req.Requirements.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUIREMENTS", err.Error())
		return
	}

	runID := uuid.New().String()
	h.mu.Lock()
	h.runs[runID] = &RunRecord{
		RunID:     runID,
		Workspace: req.Workspace,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	h.mu.Unlock()

	// The run outlives the HTTP request; it gets its own context.
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	progress := h.startProgressPump()

	go func() {
		defer cancel()
		defer close(progress)

		result, err := h.service.Run(ctx, req.Workspace, runID, req.Requirements, progress)

		h.mu.Lock()
		defer h.mu.Unlock()
		rec := h.runs[runID]
		finished := time.Now().UTC()
		rec.FinishedAt = &finished
		if err != nil {
			log.Printf("handlers: run %s failed: %v", runID, err)
			rec.Status = RunFailed
			rec.Error = err.Error()
			return
		}
		rec.Status = RunCompleted
		rec.Result = result
	}()

	writeJSON(w, http.StatusAccepted, RunStartedResponse{RunID: runID, Status: string(RunRunning)})
}

// RunSync handles POST /api/runs/sync: the blocking variant for callers
// that want the full result in one round trip.
func (h *RunHandlers) RunSync(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body must be valid JSON")
		return
	}

	progress := h.startProgressPump()
	result, err := h.service.Run(r.Context(), req.Workspace, "", req.Requirements, progress)
	close(progress)
	if err != nil {
		status, code := runErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRun handles GET /api/runs/{id}.
func (h *RunHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_RUN_ID", "run id is required")
		return
	}

	// Snapshot under the read lock: the completion goroutine mutates the
	// record in place, so the copy must happen before marshaling.
	h.mu.RLock()
	rec, ok := h.runs[runID]
	var snapshot RunRecord
	if ok {
		snapshot = *rec
	}
	h.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", "no run with that id")
		return
	}
	writeJSON(w, http.StatusOK, &snapshot)
}

// ListRuns handles GET /api/runs.
func (h *RunHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	out := make([]RunRecord, 0, len(h.runs))
	for _, rec := range h.runs {
		out = append(out, *rec)
	}
	h.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

// startProgressPump returns a fresh progress channel whose events are
// forwarded to the hub (or discarded when no hub is wired, e.g. tests).
func (h *RunHandlers) startProgressPump() chan types.ProgressEvent {
	progress := make(chan types.ProgressEvent, 256)
	if h.hub != nil {
		go h.hub.PumpProgress(progress)
	} else {
		go func() {
			for range progress {
			}
		}()
	}
	return progress
}

// runErrorStatus maps pipeline errors onto HTTP status codes.
func runErrorStatus(err error) (int, string) {
	switch {
	case types.IsValidation(err):
		return http.StatusBadRequest, "INVALID_REQUIREMENTS"
	case errors.Is(err, types.ErrInvalidFilter):
		return http.StatusUnprocessableEntity, "NO_RESOLVED_ENTITIES"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "RUN_TIMEOUT"
	default:
		return http.StatusInternalServerError, "RUN_FAILED"
	}
}
