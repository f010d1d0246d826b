package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/candidata/sourcer/internal/connections"
	"github.com/candidata/sourcer/internal/discovery"
	"github.com/candidata/sourcer/internal/resolve"
	"github.com/candidata/sourcer/internal/scoring"
	"github.com/candidata/sourcer/internal/search"
	"github.com/candidata/sourcer/internal/session"
	"github.com/candidata/sourcer/pkg/types"
)

// Deps are the external collaborators shared by every workspace: the
// discovery text-search provider, the resolution APIs, the classifier-backed
// stages, and the person-search backend. Only the cache store differs per
// workspace.
type Deps struct {
	Discovery *discovery.Aggregator
	External  resolve.ExternalResolver
	Fetcher   resolve.ProfileFetcher
	Scorer    *scoring.Scorer // nil disables scoring for every run
	Backend   search.Backend

	ResolveCfg resolve.Config
	SessionCfg session.Config
	RunCfg     Config
}

// Service maps workspace names to ready pipelines. Pipelines are built
// lazily on first use and cached, so repeated runs against the same
// workspace share its resolver (and its singleflight and LRU state).
type Service struct {
	conns *connections.Manager
	deps  Deps

	mu        sync.Mutex
	pipelines map[string]*workspacePipeline
}

type workspacePipeline struct {
	pipeline *Pipeline
	sessions *session.Manager
	resolver *resolve.Resolver
}

// NewService creates the workspace pipeline service.
func NewService(conns *connections.Manager, deps Deps) *Service {
	// Prune cutoffs below read these TTLs directly, so fill defaults here
	// rather than relying on the resolver's own defaulting.
	def := resolve.DefaultConfig()
	if deps.ResolveCfg.PositiveTTL == 0 {
		deps.ResolveCfg.PositiveTTL = def.PositiveTTL
	}
	if deps.ResolveCfg.NegativeTTL == 0 {
		deps.ResolveCfg.NegativeTTL = def.NegativeTTL
	}
	if deps.ResolveCfg.ProfileTTL == 0 {
		deps.ResolveCfg.ProfileTTL = def.ProfileTTL
	}
	return &Service{
		conns:     conns,
		deps:      deps,
		pipelines: make(map[string]*workspacePipeline),
	}
}

// Run executes the pipeline against the named workspace. An empty name
// selects the default workspace; an empty runID has one generated.
func (s *Service) Run(ctx context.Context, workspace, runID string, req types.Requirements,
	progress chan<- types.ProgressEvent) (*RunResult, error) {

	wp, err := s.forWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	return wp.pipeline.Run(ctx, runID, req, progress)
}

// Sessions returns the session manager for the named workspace, for
// load-more and refresh calls after a run.
func (s *Service) Sessions(workspace string) (*session.Manager, error) {
	wp, err := s.forWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	return wp.sessions, nil
}

// ResolverMetrics returns the cache metrics for the named workspace.
func (s *Service) ResolverMetrics(workspace string) (resolve.MetricsSnapshot, error) {
	wp, err := s.forWorkspace(workspace)
	if err != nil {
		return resolve.MetricsSnapshot{}, err
	}
	return wp.resolver.Metrics(), nil
}

// Prune removes expired cache entries and sessions from the named
// workspace, returning (lookups, profiles, sessions) removed.
func (s *Service) Prune(ctx context.Context, workspace string) (int, int, int, error) {
	store, err := s.conns.GetStore(workspace)
	if err != nil {
		return 0, 0, 0, err
	}
	now := nowUTC()
	lookups, err := store.PruneLookups(ctx,
		now.Add(-s.deps.ResolveCfg.PositiveTTL), now.Add(-s.deps.ResolveCfg.NegativeTTL))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("engine: prune lookups: %w", err)
	}
	profiles, err := store.PruneProfiles(ctx, now.Add(-s.deps.ResolveCfg.ProfileTTL))
	if err != nil {
		return lookups, 0, 0, fmt.Errorf("engine: prune profiles: %w", err)
	}
	sessions, err := store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return lookups, profiles, 0, fmt.Errorf("engine: prune sessions: %w", err)
	}
	return lookups, profiles, sessions, nil
}

// forWorkspace builds (or returns the cached) pipeline for a workspace.
func (s *Service) forWorkspace(workspace string) (*workspacePipeline, error) {
	if workspace == "" {
		workspace = s.conns.GetDefaultWorkspace()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if wp, ok := s.pipelines[workspace]; ok {
		return wp, nil
	}

	store, err := s.conns.GetStore(workspace)
	if err != nil {
		return nil, err
	}

	resolver, err := resolve.NewResolver(store, store, s.deps.External, s.deps.Fetcher, s.deps.ResolveCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: resolver for workspace %s: %w", workspace, err)
	}
	sessions := session.NewManager(store, s.deps.Backend, s.deps.SessionCfg)
	pipeline := NewPipeline(s.deps.Discovery, resolver, s.deps.Scorer, sessions, s.deps.RunCfg)

	wp := &workspacePipeline{pipeline: pipeline, sessions: sessions, resolver: resolver}
	s.pipelines[workspace] = wp
	return wp, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// InvalidateWorkspace drops the cached pipeline for a workspace, e.g.
// after a config hot reload changed its database.
func (s *Service) InvalidateWorkspace(workspace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, workspace)
}
