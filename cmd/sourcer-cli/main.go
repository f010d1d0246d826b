// Command sourcer-cli runs a single discovery-and-query pipeline pass
// from the command line and prints the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/candidata/sourcer/internal/config"
	"github.com/candidata/sourcer/internal/connections"
	"github.com/candidata/sourcer/internal/discovery"
	"github.com/candidata/sourcer/internal/engine"
	"github.com/candidata/sourcer/internal/llm"
	"github.com/candidata/sourcer/internal/notify"
	"github.com/candidata/sourcer/internal/resolve"
	"github.com/candidata/sourcer/internal/scoring"
	"github.com/candidata/sourcer/internal/search"
	"github.com/candidata/sourcer/internal/session"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/internal/storage/postgres"
	"github.com/candidata/sourcer/internal/storage/sqlite"
	"github.com/candidata/sourcer/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	reqPath := flag.String("req", "", "Path to requirements JSON file (- for stdin)")
	workspace := flag.String("workspace", "", "Workspace name (default workspace when empty)")
	role := flag.String("role", "", "Role title (alternative to -req)")
	keywords := flag.String("keywords", "", "Comma-separated must-have keywords")
	seeds := flag.String("seeds", "", "Comma-separated seed companies")
	location := flag.String("location", "", "Location preference")
	skipScoring := flag.Bool("skip-scoring", false, "Skip the relevance-scoring stage")
	asJSON := flag.Bool("json", false, "Print the full result as JSON")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall run timeout")
	flag.Parse()

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

	req, err := loadRequirements(*reqPath, *role, *keywords, *seeds, *location, *skipScoring)
	if err != nil {
		log.Fatalf("Invalid requirements: %v", err)
	}

	connManager, err := openWorkspaces(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize workspaces: %v", err)
	}
	defer connManager.Close()

	service := engine.NewService(connManager, buildDeps(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Progress events go to stderr so -json output stays clean.
	progress := make(chan types.ProgressEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range progress {
			log.Printf("[%s] %s", ev.Stage, ev.Message)
		}
	}()

	events := notify.NewEventWriter(cfg.Storage.DataPath)

	result, err := service.Run(ctx, *workspace, "", req, progress)
	close(progress)
	<-done

	if err != nil {
		if nerr := events.Notify(notify.EventRunFailed, ""); nerr != nil {
			log.Printf("Failed to write run event: %v", nerr)
		}
		log.Fatalf("Run failed: %v", err)
	}
	if nerr := events.Notify(notify.EventRunCompleted, result.RunID); nerr != nil {
		log.Printf("Failed to write run event: %v", nerr)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		return
	}
	printSummary(result)
}

// loadRequirements builds pipeline input from either a JSON file or the
// quick CLI flags.
func loadRequirements(path, role, keywords, seeds, location string, skipScoring bool) (types.Requirements, error) {
	var req types.Requirements
	switch {
	case path == "-":
		if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
			return req, fmt.Errorf("decode stdin: %w", err)
		}
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		req = types.Requirements{
			RoleTitle:        role,
			MustHaveKeywords: splitList(keywords),
			SeedCompanies:    splitList(seeds),
			Location:         location,
			SkipScoring:      skipScoring,
		}
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printSummary(result *engine.RunResult) {
	fmt.Printf("Run %s finished in %s\n", result.RunID,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Printf("Discovered %d candidates (%d unique), resolved %d, unresolved %d\n",
		result.Counters.Discovered, result.Counters.Deduplicated,
		len(result.ResolvedIDs), len(result.Unresolved))

	if result.Entities != nil {
		for _, e := range result.Entities.Scored {
			score := "-"
			if e.RelevanceScore != nil {
				score = fmt.Sprintf("%.0f", *e.RelevanceScore)
			}
			fmt.Printf("  %-40s score=%s\n", e.Name, score)
		}
		for _, e := range result.Entities.Unscored {
			fmt.Printf("  %-40s (unscored)\n", e.Name)
		}
	}

	if result.FirstPage != nil {
		fmt.Printf("\nSession %s: %d of ~%d people (has more: %v)\n",
			result.SessionID, len(result.FirstPage.Records),
			result.FirstPage.TotalEstimate, result.FirstPage.HasMore)
		for _, r := range result.FirstPage.Records {
			fmt.Printf("  %s — %s (%s)\n", r.FullName, r.Title, r.Location)
		}
	}
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

func openDefaultStore(cfg *config.Config) (storage.CacheStore, error) {
	if cfg.Storage.Engine == "postgres" {
		return postgres.NewCacheStore(cfg.Storage.PostgresDSN)
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return sqlite.NewCacheStore(filepath.Join(cfg.Storage.DataPath, "sourcer.db"))
}

// buildDeps assembles the external collaborators for the pipeline.
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
