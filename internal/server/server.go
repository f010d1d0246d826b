// Package server provides HTTP server initialization and lifecycle
// management for the Sourcer web API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/candidata/sourcer/internal/config"
	"github.com/candidata/sourcer/internal/connections"
	"github.com/candidata/sourcer/internal/engine"
	"github.com/candidata/sourcer/internal/notify"
	"github.com/candidata/sourcer/web/handlers"
)

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start initializes and starts the HTTP server. Returns the actual
// address being listened on (useful for testing with port 0) and the
// WebSocketHub so callers can broadcast additional events.
//
// The server owns two background loops until ctx is cancelled: a
// session/cache prune ticker and, when a workspaces config file is set,
// an fsnotify watcher that hot-reloads it.
func Start(ctx context.Context, cfg *config.Config, connManager *connections.Manager,
	service *engine.Service) (string, *handlers.WebSocketHub) {

	mux := http.NewServeMux()

	// Create WebSocket hub
	wsHub := handlers.NewWebSocketHub()
	go wsHub.Run()

	// Create rate limiter (10 req/sec, burst of 20)
	rateLimiter := handlers.NewRateLimiter(10.0, 20)

	runHandlers := handlers.NewRunHandlers(service, wsHub)
	sessionHandlers := handlers.NewSessionHandlers(service)
	workspaceHandlers := handlers.NewWorkspaceHandlers(connManager, service)
	statsHandlers := handlers.NewStatsHandlers(service)
	maintenanceHandlers := handlers.NewMaintenanceHandlers(service)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runHandlers.ListRuns(w, r)
		case http.MethodPost:
			runHandlers.StartRun(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/runs/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			runHandlers.RunSync(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			runHandlers.GetRun(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	apiMux.HandleFunc("/api/sessions/{id}/load-more", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sessionHandlers.LoadMore(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/sessions/{id}/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sessionHandlers.Refresh(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	apiMux.HandleFunc("/api/stats", statsHandlers.GetStats)
	apiMux.Handle("/api/config", handlers.ConfigHandler(cfg))

	// Workspace management routes
	apiMux.HandleFunc("/api/workspaces", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			workspaceHandlers.ListWorkspaces(w, r)
		case http.MethodPost:
			workspaceHandlers.CreateWorkspace(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/workspaces/test", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			workspaceHandlers.TestWorkspace(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/workspaces/default", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			workspaceHandlers.SetDefaultWorkspace(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/workspaces/{name}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			workspaceHandlers.UpdateWorkspace(w, r)
		case http.MethodDelete:
			workspaceHandlers.DeleteWorkspace(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	apiMux.HandleFunc("/api/workspaces/{name}/maintenance/prune", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			maintenanceHandlers.Prune(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Health endpoint — no auth required, used by monitoring
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","version":"1.0.0"}`))
	})

	// Wrap API routes with auth middleware
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))

	// WebSocket endpoint (no auth required - origin validation handles security)
	mux.Handle("/ws", wsHub)

	// Wrap entire server with rate limiting, then security headers
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	// Create server with security timeouts
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}

	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// Background prune of expired sessions and cache entries.
	go pruneLoop(ctx, cfg, connManager, service)

	// Hot reload of the workspaces config file. Cached stores and the
	// pipelines built on them are invalidated so a changed DSN takes
	// effect without a restart.
	var configWatcher *notify.ConfigWatcher
	if cfg.Storage.ConnectionsFile != "" {
		configWatcher = notify.NewConfigWatcher(cfg.Storage.ConnectionsFile, func() {
			dropped, err := connManager.ReloadConfig()
			if err != nil {
				log.Printf("server: workspaces config reload failed: %v", err)
				return
			}
			for _, name := range dropped {
				service.InvalidateWorkspace(name)
			}
			log.Printf("server: workspaces config reloaded, %d stores reopened", len(dropped))
		})
		if err := configWatcher.Start(); err != nil {
			log.Printf("server: config watcher failed to start: %v", err)
			configWatcher = nil
		}
	}

	// Completion events written by the CLI land as files under the data
	// path; forward them to websocket clients like in-process progress.
	eventWatcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(eventType, runID string) {
		wsHub.Broadcast(map[string]string{
			"type":   eventType,
			"run_id": runID,
		})
	})
	if err := eventWatcher.Start(); err != nil {
		log.Printf("server: event watcher failed to start: %v", err)
		eventWatcher = nil
	}

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if configWatcher != nil {
			configWatcher.Stop()
		}
		if eventWatcher != nil {
			eventWatcher.Stop()
		}
		wsHub.Stop()
	}()

	return actualAddr, wsHub
}

// pruneLoop periodically removes expired cache entries and sessions from
// every configured workspace.
func pruneLoop(ctx context.Context, cfg *config.Config, connManager *connections.Manager,
	service *engine.Service) {

	interval := time.Duration(cfg.Session.PruneIntervalHours) * time.Hour
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ws := range connManager.ListWorkspaces() {
				if !ws.Enabled {
					continue
				}
				lookups, profiles, sessions, err := service.Prune(ctx, ws.Name)
				if err != nil {
					log.Printf("server: prune workspace %s: %v", ws.Name, err)
					continue
				}
				if lookups+profiles+sessions > 0 {
					log.Printf("server: pruned workspace %s: %d lookups, %d profiles, %d sessions",
						ws.Name, lookups, profiles, sessions)
				}
			}
		}
	}
}
