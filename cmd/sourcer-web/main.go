package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/candidata/sourcer/internal/config"
	"github.com/candidata/sourcer/internal/connections"
	"github.com/candidata/sourcer/internal/discovery"
	"github.com/candidata/sourcer/internal/engine"
	"github.com/candidata/sourcer/internal/llm"
	"github.com/candidata/sourcer/internal/resolve"
	"github.com/candidata/sourcer/internal/scoring"
	"github.com/candidata/sourcer/internal/search"
	"github.com/candidata/sourcer/internal/server"
	"github.com/candidata/sourcer/internal/session"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/internal/storage/postgres"
	"github.com/candidata/sourcer/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (default: env vars only)")
	flag.Parse()

	// If no config path specified, use default if it exists
	if *configPath == "" {
		defaultPath := "config/sourcer.yaml"
		if _, err := os.Stat(defaultPath); err == nil {
			*configPath = defaultPath
			log.Printf("Using config file: %s", defaultPath)
		}
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadConfigFile(*configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LLM.OpenAIAPIKey == "" {
		log.Printf("Warning: no OpenAI API key configured, discovery and scoring will fail")
	}

	connManager, err := openWorkspaces(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize workspaces: %v", err)
	}
	defer connManager.Close()

	service := engine.NewService(connManager, buildDeps(cfg))

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, _ := server.Start(ctx, cfg, connManager, service)
	log.Printf("Sourcer API running at http://%s", addr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}

// openWorkspaces builds the workspace manager from either a named
// connections file or the single default database.
func openWorkspaces(cfg *config.Config) (*connections.Manager, error) {
	if cfg.Storage.ConnectionsFile != "" {
		return connections.NewManager(cfg.Storage.ConnectionsFile)
	}
	store, err := openDefaultStore(cfg)
	if err != nil {
		return nil, err
	}
	return connections.NewManagerWithStore(store, "default"), nil
}

// openDefaultStore opens the single-workspace cache store selected by
// the storage engine setting.
func openDefaultStore(cfg *config.Config) (storage.CacheStore, error) {
	if cfg.Storage.Engine == "postgres" {
		return postgres.NewCacheStore(cfg.Storage.PostgresDSN)
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return sqlite.NewCacheStore(filepath.Join(cfg.Storage.DataPath, "sourcer.db"))
}

// buildDeps assembles the external collaborators shared by every
// workspace pipeline.
func buildDeps(cfg *config.Config) engine.Deps {
	classifier := llm.NewOpenAIClassifier(llm.OpenAIConfig{
		APIKey:  cfg.LLM.OpenAIAPIKey,
		Model:   cfg.LLM.OpenAIModel,
		BaseURL: cfg.LLM.OpenAIBaseURL,
	})

	searchProvider := discovery.NewHTTPSearchProvider(
		cfg.Discovery.SearchBaseURL, cfg.Discovery.SearchAPIKey)
	aggregator := discovery.NewAggregator(searchProvider, discovery.NewLLMExtractor(classifier),
		discovery.Config{
			MaxSeeds:          cfg.Discovery.MaxSeeds,
			MaxKeywordQueries: cfg.Discovery.MaxKeywordQueries,
			HitsPerQuery:      cfg.Discovery.HitsPerQuery,
			Concurrency:       cfg.Discovery.Concurrency,
		})

	enrichment := resolve.NewHTTPClient(cfg.Resolve.APIBaseURL, cfg.Resolve.APIKey)

	backend := search.NewHTTPBackend(search.HTTPConfig{
		BaseURL:           cfg.Search.BaseURL,
		APIKey:            cfg.Search.APIKey,
		RequestTimeout:    cfg.SearchTimeout(),
		RequestsPerSecond: cfg.Search.RequestsPerSecond,
	})

	return engine.Deps{
		Discovery: aggregator,
		External:  enrichment,
		Fetcher:   enrichment,
		Scorer:    scoring.NewScorer(classifier, 0),
		Backend:   backend,
		ResolveCfg: resolve.Config{
			PositiveTTL:    time.Duration(cfg.Resolve.PositiveTTLDays) * 24 * time.Hour,
			NegativeTTL:    time.Duration(cfg.Resolve.NegativeTTLDays) * 24 * time.Hour,
			ProfileTTL:     time.Duration(cfg.Resolve.ProfileTTLDays) * 24 * time.Hour,
			ProfileLRUSize: cfg.Resolve.ProfileLRUSize,
		},
		SessionCfg: session.Config{
			PageSize:        cfg.Session.PageSize,
			TTLHours:        cfg.Session.TTLHours,
			MinRequestDelay: cfg.MinRequestDelay(),
		},
		RunCfg: engine.Config{
			ResolveConcurrency: cfg.Resolve.Concurrency,
		},
	}
}
