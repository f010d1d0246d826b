// Package engine orchestrates the sourcing pipeline: discovery →
// resolution → optional scoring → query compilation → session creation.
//
// The engine owns sequencing, cancellation, and progress reporting; the
// per-stage logic lives in the stage packages. A run with partial
// per-item failures still returns everything that succeeded, with the
// failures reported as counters rather than a lost run.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/candidata/sourcer/internal/discovery"
	"github.com/candidata/sourcer/internal/query"
	"github.com/candidata/sourcer/internal/resolve"
	"github.com/candidata/sourcer/internal/scoring"
	"github.com/candidata/sourcer/internal/session"
	"github.com/candidata/sourcer/pkg/types"
)

// DefaultResolveConcurrency bounds the resolution fan-out per run.
const DefaultResolveConcurrency = 4

// progressInterval is how many resolved entities go by between progress
// events during the resolution stage.
const progressInterval = 10

// Config tunes the orchestrator.
type Config struct {
	// ResolveConcurrency bounds concurrent resolution calls. Default: 4.
	ResolveConcurrency int

	// MinConfidence drops resolutions below this confidence as unresolved.
	// Zero accepts everything the resolver accepted.
	MinConfidence float64
}

// Pipeline wires the stages together.
type Pipeline struct {
	discovery *discovery.Aggregator
	resolver  *resolve.Resolver
	scorer    *scoring.Scorer
	sessions  *session.Manager
	cfg       Config
}

// NewPipeline creates the orchestrator. scorer may be nil, which disables
// the scoring stage for every run.
func NewPipeline(disc *discovery.Aggregator, resolver *resolve.Resolver,
	scorer *scoring.Scorer, sessions *session.Manager, cfg Config) *Pipeline {

	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = DefaultResolveConcurrency
	}
	return &Pipeline{
		discovery: disc,
		resolver:  resolver,
		scorer:    scorer,
		sessions:  sessions,
		cfg:       cfg,
	}
}

// RunResult is the full outcome of one pipeline run.
type RunResult struct {
	RunID string `json:"run_id"`

	// Entities is the scored (or explicitly unscored) discovery output.
	Entities *types.ScoredResultSet `json:"entities"`

	// ResolvedIDs are the stable identifiers that fed the compiled query.
	ResolvedIDs []string `json:"resolved_ids"`

	// Unresolved are discovered entities with no stable identifier. They
	// are reported, not silently dropped.
	Unresolved []types.Entity `json:"unresolved,omitempty"`

	// CompiledQuery is the person-search filter built from resolved IDs.
	CompiledQuery *types.CompiledQuery `json:"compiled_query"`

	// SessionID identifies the search session created for the query.
	SessionID string `json:"session_id"`

	// FirstPage is the session's already-executed first page.
	FirstPage *types.PersonPage `json:"first_page"`

	Counters     types.RunCounters       `json:"counters"`
	CacheMetrics resolve.MetricsSnapshot `json:"cache_metrics"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// emitter assigns monotonic sequence numbers to a run's progress events
// and forwards them to the caller's channel without ever blocking the
// pipeline on a slow consumer.
type emitter struct {
	runID string
	ch    chan<- types.ProgressEvent
	seq   int
	mu    sync.Mutex
}

func (e *emitter) emit(stage types.PipelineStage, phase types.ProgressPhase, counts map[string]int, msg string) {
	if e.ch == nil {
		return
	}
	e.mu.Lock()
	e.seq++
	ev := types.ProgressEvent{
		RunID:     e.runID,
		Seq:       e.seq,
		Stage:     stage,
		Phase:     phase,
		Counts:    counts,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	e.mu.Unlock()

	select {
	case e.ch <- ev:
	default:
		log.Printf("engine: dropping progress event seq=%d for run %s (slow consumer)", ev.Seq, e.runID)
	}
}

// Run executes the full pipeline for one set of requirements. runID
// labels the run's progress events; pass "" to have one generated.
// Progress events go to the optional progress channel (nil disables
// reporting); the channel is not closed by Run, since the caller may
// reuse it.
func (p *Pipeline) Run(ctx context.Context, runID string, req types.Requirements, progress chan<- types.ProgressEvent) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	result := &RunResult{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}
	em := &emitter{runID: result.RunID, ch: progress}

	// Stage 1: discovery.
	em.emit(types.StageDiscovery, types.PhaseStarted, nil, "")
	disc, err := p.discovery.Discover(ctx, req)
	if err != nil {
		em.emit(types.StageDiscovery, types.PhaseFailed, nil, err.Error())
		return nil, fmt.Errorf("engine: discovery: %w", err)
	}
	result.Counters.Discovered = disc.RawCandidates
	result.Counters.Deduplicated = len(disc.Entities)
	result.Counters.StrategyErrs = disc.QueryErrors
	em.emit(types.StageDiscovery, types.PhaseCompleted, map[string]int{
		"queries_run":  disc.QueriesRun,
		"query_errors": disc.QueryErrors,
		"entities":     len(disc.Entities),
	}, "")

	// Stage 2: resolution.
	em.emit(types.StageResolution, types.PhaseStarted, map[string]int{"entities": len(disc.Entities)}, "")
	resolved, unresolved := p.resolveAll(ctx, disc.Entities, &result.Counters, em)
	if ctx.Err() != nil {
		em.emit(types.StageResolution, types.PhaseFailed, nil, ctx.Err().Error())
		return nil, ctx.Err()
	}
	result.Unresolved = unresolved
	result.CacheMetrics = p.resolver.Metrics()
	em.emit(types.StageResolution, types.PhaseCompleted, map[string]int{
		"resolved":   len(resolved),
		"unresolved": len(unresolved),
		"errors":     result.Counters.ResolveErrs,
	}, "")

	// Stage 3: scoring (optional).
	em.emit(types.StageScoring, types.PhaseStarted, map[string]int{"entities": len(resolved)}, "")
	set, err := p.scoreStage(ctx, resolved, req, &result.Counters)
	if err != nil {
		em.emit(types.StageScoring, types.PhaseFailed, nil, err.Error())
		return nil, fmt.Errorf("engine: scoring: %w", err)
	}
	result.Entities = set
	em.emit(types.StageScoring, types.PhaseCompleted, map[string]int{
		"scored":   len(set.Scored),
		"unscored": len(set.Unscored),
	}, "")

	// Stage 4: compile + session.
	em.emit(types.StageSampling, types.PhaseStarted, nil, "")
	ids := stableIDs(set)
	result.ResolvedIDs = ids
	compiled, err := query.Compile(query.FilterRequest{
		RequiredEntityIDs: ids,
		Keyword:           req.KeywordExpression(),
		KeywordRequired:   false,
		Location:          req.Location,
		LocationRequired:  req.LocationRequired,
	})
	if err != nil {
		em.emit(types.StageSampling, types.PhaseFailed, nil, err.Error())
		return nil, fmt.Errorf("engine: compile: %w", err)
	}
	result.CompiledQuery = compiled

	page, err := p.sessions.Create(ctx, compiled)
	if err != nil {
		em.emit(types.StageSampling, types.PhaseFailed, nil, err.Error())
		return nil, fmt.Errorf("engine: create session: %w", err)
	}
	result.SessionID = page.SessionID
	result.FirstPage = page
	em.emit(types.StageSampling, types.PhaseCompleted, map[string]int{
		"records":        len(page.Records),
		"total_estimate": page.TotalEstimate,
	}, "")

	result.FinishedAt = time.Now().UTC()
	return result, nil
}

// resolveAll fans resolution out over a bounded worker group. Per-entity
// failures are counted, never fatal; cancellation stops the fan-out.
func (p *Pipeline) resolveAll(ctx context.Context, entities []types.Entity,
	counters *types.RunCounters, em *emitter) (resolved, unresolved []types.Entity) {

	type outcome struct {
		entity types.Entity
		ok     bool
	}
	outcomes := make([]outcome, len(entities))

	var mu sync.Mutex
	var done int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ResolveConcurrency)
	for i := range entities {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			e := entities[i]
			res, err := p.resolver.Resolve(gctx, e.Name)

			mu.Lock()
			defer mu.Unlock()
			done++
			if done%progressInterval == 0 {
				em.emit(types.StageResolution, types.PhaseProgress,
					map[string]int{"done": done, "total": len(entities)}, "")
			}

			switch {
			case err != nil:
				counters.ResolveErrs++
				log.Printf("engine: resolve %q failed: %v", e.Name, err)
				outcomes[i] = outcome{entity: e, ok: false}
			case res.Negative || res.StableID == "" || res.Confidence < p.cfg.MinConfidence:
				counters.Unresolved++
				if res.FromCache {
					counters.CacheHits++
					counters.NegativeHits++
				} else {
					counters.CacheMisses++
				}
				outcomes[i] = outcome{entity: e, ok: false}
			default:
				counters.Resolved++
				if res.FromCache {
					counters.CacheHits++
				} else {
					counters.CacheMisses++
				}
				e.StableID = res.StableID
				mergeMetadata(&e.Metadata, res.Metadata)
				outcomes[i] = outcome{entity: e, ok: true}
			}
			return nil
		})
	}
	// The only error workers return is context cancellation.
	if err := g.Wait(); err != nil {
		return nil, nil
	}

	for _, o := range outcomes {
		if o.entity.Name == "" {
			continue
		}
		if o.ok {
			resolved = append(resolved, o.entity)
		} else {
			unresolved = append(unresolved, o.entity)
		}
	}
	return resolved, unresolved
}

// scoreStage runs or skips scoring according to the requirements.
func (p *Pipeline) scoreStage(ctx context.Context, resolved []types.Entity,
	req types.Requirements, counters *types.RunCounters) (*types.ScoredResultSet, error) {

	if p.scorer == nil || req.SkipScoring {
		set := scoring.Skip(resolved)
		counters.UnscoredCount = len(set.Unscored)
		return set, nil
	}
	set, report, err := p.scorer.Score(ctx, resolved, req)
	if err != nil {
		return nil, err
	}
	counters.ScoredCount = report.Scored
	counters.UnscoredCount = report.Unscored
	counters.ScoreErrs = report.BatchFailures + report.ParseFailures
	return set, nil
}

// stableIDs collects the distinct stable identifiers across the result
// set, scored entities first (they carry the ranking), sorted within each
// group for deterministic query composition.
func stableIDs(set *types.ScoredResultSet) []string {
	seen := make(map[string]struct{})
	var ids []string
	appendGroup := func(entities []types.Entity) {
		group := make([]string, 0, len(entities))
		for _, e := range entities {
			if e.StableID == "" {
				continue
			}
			if _, dup := seen[e.StableID]; dup {
				continue
			}
			seen[e.StableID] = struct{}{}
			group = append(group, e.StableID)
		}
		sort.Strings(group)
		ids = append(ids, group...)
	}
	appendGroup(set.Scored)
	appendGroup(set.Unscored)
	return ids
}

// mergeMetadata fills empty fields of dst from src without clobbering
// anything discovery already knew.
func mergeMetadata(dst *types.EntityMetadata, src types.EntityMetadata) {
	if dst.Industry == "" {
		dst.Industry = src.Industry
	}
	if dst.Website == "" {
		dst.Website = src.Website
	}
	if dst.Size == "" {
		dst.Size = src.Size
	}
	if dst.Location == "" {
		dst.Location = src.Location
	}
}
