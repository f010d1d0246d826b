// Package discovery implements the entity-discovery aggregator: it fans
// out a fixed set of search strategies against an external text-search
// provider, extracts organization-name candidates from the results, and
// merges them into one deduplicated candidate list with per-candidate
// provenance.
package discovery

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/candidata/sourcer/pkg/types"
)

// Strategy identifiers recorded in entity provenance.
const (
	StrategySeedList      = "seed_list"
	StrategySeedExpansion = "seed_expansion"
	StrategyKeywordSearch = "keyword_search"
)

// SearchHit is one result from the external text-search provider.
type SearchHit struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// TextSearchProvider is the external web/text search behind the discovery
// strategies.
type TextSearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

// CandidateExtractor pulls organization-name candidates out of raw search
// hits. The production implementation is classifier-backed (extractor.go);
// tests inject deterministic fakes.
type CandidateExtractor interface {
	ExtractNames(ctx context.Context, query string, hits []SearchHit) ([]string, error)
}

// Config bounds the cost of a discovery run.
type Config struct {
	// MaxSeeds caps how many seed companies get expansion queries.
	// Default: 5.
	MaxSeeds int

	// MaxKeywordQueries caps how many generated keyword queries actually
	// execute, highest priority first. Default: 8.
	MaxKeywordQueries int

	// HitsPerQuery is the result limit per provider call. Default: 10.
	HitsPerQuery int

	// Concurrency bounds the strategy fan-out. Default: 4.
	Concurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSeeds:          5,
		MaxKeywordQueries: 8,
		HitsPerQuery:      10,
		Concurrency:       4,
	}
}

// Result is the aggregated discovery output. Partial results are normal:
// a failed strategy query is counted, logged, and does not abort the
// others.
type Result struct {
	Entities []types.Entity

	// RawCandidates counts extracted names before deduplication, for
	// run accounting.
	RawCandidates int

	QueriesRun  int
	QueryErrors int
}

// Aggregator runs the discovery strategies.
type Aggregator struct {
	search    TextSearchProvider
	extractor CandidateExtractor
	cfg       Config
}

// NewAggregator creates a discovery aggregator.
func NewAggregator(search TextSearchProvider, extractor CandidateExtractor, cfg Config) *Aggregator {
	def := DefaultConfig()
	if cfg.MaxSeeds <= 0 {
		cfg.MaxSeeds = def.MaxSeeds
	}
	if cfg.MaxKeywordQueries <= 0 {
		cfg.MaxKeywordQueries = def.MaxKeywordQueries
	}
	if cfg.HitsPerQuery <= 0 {
		cfg.HitsPerQuery = def.HitsPerQuery
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Aggregator{search: search, extractor: extractor, cfg: cfg}
}

// candidate is one extracted name plus where it came from.
type candidate struct {
	name       string
	provenance types.Provenance
	queryIndex int // position in the planned query list, for stable ordering
}

// Discover runs every planned strategy query under bounded concurrency
// and returns the merged, deduplicated entity list.
//
// Exclusions are filtered before seed expansion runs — an excluded seed
// never generates queries — and again on extracted candidates. Candidates
// are deduplicated by normalized key, keeping the first occurrence in
// plan order so results are stable regardless of goroutine scheduling.
func (a *Aggregator) Discover(ctx context.Context, req types.Requirements) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	plan := a.planQueries(req)

	var (
		mu         sync.Mutex
		candidates []candidate
		queryErrs  int
	)

	// Seeds the caller named are themselves candidates; expansion only
	// broadens them.
	for i, seed := range limitSeeds(req, a.cfg.MaxSeeds) {
		candidates = append(candidates, candidate{
			name:       seed,
			provenance: types.Provenance{StrategyID: StrategySeedList, Rank: i + 1},
			queryIndex: -1, // before all query-derived candidates
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	for i, pq := range plan {
		g.Go(func() error {
			// Cooperative cancellation between units of work.
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			found, err := a.runQuery(gctx, pq)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("discovery: query %q (%s) failed: %v", pq.text, pq.strategy, err)
				queryErrs++
				return nil // partial results are acceptable
			}
			for _, c := range found {
				c.queryIndex = i
				candidates = append(candidates, c)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Restore plan order before deduplication so "first occurrence wins"
	// is deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].queryIndex != candidates[j].queryIndex {
			return candidates[i].queryIndex < candidates[j].queryIndex
		}
		return candidates[i].provenance.Rank < candidates[j].provenance.Rank
	})

	entities := dedupeCandidates(candidates, &req)

	return &Result{
		Entities:      entities,
		RawCandidates: len(candidates),
		QueriesRun:    len(plan),
		QueryErrors:   queryErrs,
	}, nil
}

// runQuery executes one planned query and extracts candidates from its
// hits.
func (a *Aggregator) runQuery(ctx context.Context, pq plannedQuery) ([]candidate, error) {
	hits, err := a.search.Search(ctx, pq.text, a.cfg.HitsPerQuery)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	names, err := a.extractor.ExtractNames(ctx, pq.text, hits)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(names))
	for rank, name := range names {
		sourceRef := ""
		if rank < len(hits) {
			sourceRef = hits[rank].URL
		}
		out = append(out, candidate{
			name: name,
			provenance: types.Provenance{
				StrategyID:  pq.strategy,
				SourceQuery: pq.text,
				SourceRef:   sourceRef,
				Rank:        rank + 1,
			},
		})
	}
	return out, nil
}

// dedupeCandidates collapses case/punctuation-insensitive duplicates,
// drops unusable and excluded names, and materializes entities.
func dedupeCandidates(candidates []candidate, req *types.Requirements) []types.Entity {
	seen := make(map[string]bool, len(candidates))
	entities := make([]types.Entity, 0, len(candidates))

	for _, c := range candidates {
		key := types.NormalizeKey(c.name)
		if key == "" || seen[key] {
			continue
		}
		if req.IsExcluded(c.name) {
			continue
		}
		seen[key] = true
		entities = append(entities, types.Entity{
			Name:          c.name,
			NormalizedKey: key,
			Provenance:    c.provenance,
		})
	}
	return entities
}
