package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/candidata/sourcer/internal/connections"
	"github.com/candidata/sourcer/internal/discovery"
	"github.com/candidata/sourcer/internal/llm"
	"github.com/candidata/sourcer/internal/resolve"
	"github.com/candidata/sourcer/internal/retry"
	"github.com/candidata/sourcer/internal/scoring"
	"github.com/candidata/sourcer/internal/search"
	"github.com/candidata/sourcer/internal/session"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

// --- test doubles -----------------------------------------------------------

// memCacheStore is an in-memory storage.CacheStore.
type memCacheStore struct {
	mu       sync.Mutex
	lookups  map[string]*storage.LookupEntry
	profiles map[string]*storage.ProfileEntry
	sessions map[string]*types.SearchSession
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{
		lookups:  make(map[string]*storage.LookupEntry),
		profiles: make(map[string]*storage.ProfileEntry),
		sessions: make(map[string]*types.SearchSession),
	}
}

func (s *memCacheStore) GetLookup(ctx context.Context, key string) (*storage.LookupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookups[key]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memCacheStore) PutLookup(ctx context.Context, entry *storage.LookupEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.lookups[entry.NormalizedKey] = &copied
	return nil
}

func (s *memCacheStore) TouchLookup(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookups[key]; ok {
		e.HitCount++
		e.LastAccessedAt = at
		return nil
	}
	return storage.ErrNotFound
}

func (s *memCacheStore) PruneLookups(ctx context.Context, positiveBefore, negativeBefore time.Time) (int, error) {
	return 0, nil
}

func (s *memCacheStore) GetProfile(ctx context.Context, stableID string) (*storage.ProfileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.profiles[stableID]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memCacheStore) PutProfile(ctx context.Context, entry *storage.ProfileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.profiles[entry.StableID] = &copied
	return nil
}

func (s *memCacheStore) PruneProfiles(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (s *memCacheStore) CreateSession(ctx context.Context, sess *types.SearchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; ok {
		return storage.ErrDuplicateSession
	}
	copied := *sess
	s.sessions[sess.SessionID] = &copied
	return nil
}

func (s *memCacheStore) GetSession(ctx context.Context, sessionID string) (*types.SearchSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		copied := *sess
		copied.SeenRecordIDs = append([]string(nil), sess.SeenRecordIDs...)
		return &copied, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memCacheStore) UpdateSession(ctx context.Context, sess *types.SearchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; !ok {
		return storage.ErrNotFound
	}
	copied := *sess
	copied.SeenRecordIDs = append([]string(nil), sess.SeenRecordIDs...)
	s.sessions[sess.SessionID] = &copied
	return nil
}

func (s *memCacheStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *memCacheStore) Close() error { return nil }

// stubSearchProvider returns one hit per query.
type stubSearchProvider struct{}

func (stubSearchProvider) Search(ctx context.Context, q string, limit int) ([]discovery.SearchHit, error) {
	return []discovery.SearchHit{{Title: q, URL: "https://example.com"}}, nil
}

// stubExtractor returns canned names for matching query substrings.
type stubExtractor struct {
	names map[string][]string
}

func (s *stubExtractor) ExtractNames(ctx context.Context, q string, hits []discovery.SearchHit) ([]string, error) {
	for sub, names := range s.names {
		if strings.Contains(q, sub) {
			return names, nil
		}
	}
	return nil, nil
}

// stubResolver resolves names from a fixed table; unknown names are
// explicit negatives, names in failures return transport errors.
type stubResolver struct {
	ids      map[string]string // normalized name -> stable id
	failures map[string]bool
	mu       sync.Mutex
	calls    int
}

func (r *stubResolver) Lookup(ctx context.Context, tier resolve.Tier, name string) (*resolve.Match, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.failures[types.NormalizeKey(name)] {
		return nil, &types.TransientError{Op: "lookup", Err: errors.New("api down")}
	}
	if id, ok := r.ids[types.NormalizeKey(name)]; ok && tier == resolve.TierName {
		return &resolve.Match{StableID: id, Confidence: 0.9}, nil
	}
	return nil, resolve.ErrNoMatch
}

type stubFetcher struct{}

func (stubFetcher) FetchProfile(ctx context.Context, stableID string) ([]byte, error) {
	return []byte(`{}`), nil
}

// stubBackend serves n fabricated person records.
type stubBackend struct {
	total int
}

func (b *stubBackend) Execute(ctx context.Context, q *types.BoolQuery, page, size int) (*search.PageResult, error) {
	start := page * size
	end := start + size
	if end > b.total {
		end = b.total
	}
	var records []types.PersonRecord
	for i := start; i < end; i++ {
		records = append(records, types.PersonRecord{RecordID: fmt.Sprintf("p-%03d", i)})
	}
	return &search.PageResult{Records: records, TotalEstimate: b.total}, nil
}

// --- harness ----------------------------------------------------------------

type pipelineFixture struct {
	pipeline *Pipeline
	store    *memCacheStore
	resolver *stubResolver
	mock     *llm.MockClassifier
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	store := newMemCacheStore()
	ext := &stubResolver{ids: map[string]string{
		"acme":    "org-acme",
		"globex":  "org-globex",
		"initech": "org-initech",
	}}
	rcfg := resolve.DefaultConfig()
	rcfg.Retry = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	resolver, err := resolve.NewResolver(store, store, ext, stubFetcher{}, rcfg)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	mock := &llm.MockClassifier{Responses: []string{
		`{"scores": [
			{"name": "Acme", "score": 9, "rationale": "seed"},
			{"name": "Globex", "score": 7, "rationale": "close"},
			{"name": "Initech", "score": 4, "rationale": "weak"}
		]}`,
	}}
	scorer := scoring.NewScorer(mock, 20)

	sessions := session.NewManager(store, &stubBackend{total: 35}, session.Config{
		PageSize:        20,
		TTLHours:        24,
		MinRequestDelay: time.Microsecond,
	})

	disc := discovery.NewAggregator(stubSearchProvider{}, &stubExtractor{names: map[string][]string{
		"similar to Acme": {"Globex", "Initech", "Umbrella"},
	}}, discovery.DefaultConfig())

	return &pipelineFixture{
		pipeline: NewPipeline(disc, resolver, scorer, sessions, Config{}),
		store:    store,
		resolver: ext,
		mock:     mock,
	}
}

func pipelineReq() types.Requirements {
	return types.Requirements{
		RoleTitle:     "ML Engineer",
		SeedCompanies: []string{"Acme"},
	}
}

// --- tests ------------------------------------------------------------------

func TestRunFullPipeline(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipeline.Run(context.Background(), "", pipelineReq(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RunID == "" {
		t.Error("expected a generated run id")
	}

	// Discovery: seed Acme plus Globex, Initech, Umbrella from expansion.
	if result.Counters.Deduplicated != 4 {
		t.Errorf("expected 4 unique entities, got %d", result.Counters.Deduplicated)
	}

	// Resolution: Umbrella has no match anywhere and ends up unresolved.
	if result.Counters.Resolved != 3 || result.Counters.Unresolved != 1 {
		t.Errorf("expected 3 resolved / 1 unresolved, got %+v", result.Counters)
	}
	if len(result.Unresolved) != 1 || result.Unresolved[0].Name != "Umbrella" {
		t.Errorf("unresolved entities must be reported, got %+v", result.Unresolved)
	}

	// Scoring: highest score first.
	if len(result.Entities.Scored) != 3 {
		t.Fatalf("expected 3 scored entities, got %d", len(result.Entities.Scored))
	}
	if result.Entities.Scored[0].Name != "Acme" {
		t.Errorf("expected Acme ranked first, got %s", result.Entities.Scored[0].Name)
	}

	// Sampling: the compiled query carries all three stable IDs and the
	// first page is already executed.
	if len(result.ResolvedIDs) != 3 {
		t.Errorf("expected 3 resolved ids, got %v", result.ResolvedIDs)
	}
	if result.CompiledQuery == nil {
		t.Fatal("expected a compiled query")
	}
	if result.SessionID == "" || result.FirstPage == nil {
		t.Fatal("expected a session with its first page")
	}
	if len(result.FirstPage.Records) != 20 || !result.FirstPage.HasMore {
		t.Errorf("unexpected first page: %d records, hasMore=%v",
			len(result.FirstPage.Records), result.FirstPage.HasMore)
	}
	if result.FinishedAt.Before(result.StartedAt) {
		t.Error("timestamps out of order")
	}
}

func TestRunSecondRunHitsCache(t *testing.T) {
	f := newFixture(t)

	if _, err := f.pipeline.Run(context.Background(), "", pipelineReq(), nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	callsAfterFirst := f.resolver.calls

	result, err := f.pipeline.Run(context.Background(), "", pipelineReq(), nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if f.resolver.calls != callsAfterFirst {
		t.Errorf("second run must resolve entirely from cache: %d extra calls",
			f.resolver.calls-callsAfterFirst)
	}
	if result.Counters.CacheHits != 4 {
		t.Errorf("expected 4 cache hits (3 positive + 1 negative), got %+v", result.Counters)
	}
	if result.Counters.NegativeHits != 1 {
		t.Errorf("expected the unresolvable name to hit its negative entry, got %+v", result.Counters)
	}
}

func TestRunSkipScoring(t *testing.T) {
	f := newFixture(t)

	req := pipelineReq()
	req.SkipScoring = true
	result, err := f.pipeline.Run(context.Background(), "", req, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Entities.ScoringSkipped {
		t.Error("result set must flag the skipped scoring stage")
	}
	if len(result.Entities.Scored) != 0 {
		t.Errorf("skip must leave nothing scored, got %d", len(result.Entities.Scored))
	}
	if f.mock.Calls != 0 {
		t.Errorf("classifier must not be called when scoring is skipped, got %d calls", f.mock.Calls)
	}
	// Resolved-but-unscored entities still feed the query.
	if len(result.ResolvedIDs) != 3 {
		t.Errorf("unscored entities must still contribute their ids, got %v", result.ResolvedIDs)
	}
}

func TestRunNilScorerDisablesScoring(t *testing.T) {
	f := newFixture(t)
	f.pipeline.scorer = nil

	result, err := f.pipeline.Run(context.Background(), "", pipelineReq(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Entities.ScoringSkipped {
		t.Error("a nil scorer must behave like skip-scoring")
	}
}

func TestRunNothingResolvesFailsTheRun(t *testing.T) {
	f := newFixture(t)
	f.resolver.ids = nil // every name is a negative

	_, err := f.pipeline.Run(context.Background(), "", pipelineReq(), nil)
	if !errors.Is(err, types.ErrInvalidFilter) {
		t.Fatalf("a run with zero resolved entities must fail query compilation, got %v", err)
	}
}

func TestRunResolutionErrorsAreCountedNotFatal(t *testing.T) {
	f := newFixture(t)
	f.resolver.failures = map[string]bool{"globex": true}

	result, err := f.pipeline.Run(context.Background(), "", pipelineReq(), nil)
	if err != nil {
		t.Fatalf("per-entity failures must not fail the run: %v", err)
	}
	if result.Counters.ResolveErrs != 1 {
		t.Errorf("expected 1 resolve error, got %+v", result.Counters)
	}
	if result.Counters.Resolved != 2 {
		t.Errorf("the other entities must still resolve, got %+v", result.Counters)
	}
}

func TestRunInvalidRequirements(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Run(context.Background(), "", types.Requirements{}, nil)
	if !types.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRunProgressEventsAreOrderedAndLabeled(t *testing.T) {
	f := newFixture(t)
	progress := make(chan types.ProgressEvent, 128)

	result, err := f.pipeline.Run(context.Background(), "run-123", pipelineReq(), progress)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	close(progress)

	var events []types.ProgressEvent
	for ev := range progress {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("expected progress events")
	}

	lastSeq := 0
	stagesSeen := map[types.PipelineStage]bool{}
	for _, ev := range events {
		if ev.RunID != "run-123" {
			t.Errorf("event carries wrong run id %q", ev.RunID)
		}
		if ev.Seq <= lastSeq {
			t.Errorf("sequence numbers must increase: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		stagesSeen[ev.Stage] = true
	}
	for _, stage := range []types.PipelineStage{
		types.StageDiscovery, types.StageResolution, types.StageScoring, types.StageSampling,
	} {
		if !stagesSeen[stage] {
			t.Errorf("no events for stage %s", stage)
		}
	}
	if result.RunID != "run-123" {
		t.Errorf("caller-supplied run id must be kept, got %q", result.RunID)
	}
}

func TestServiceCachesWorkspacePipelines(t *testing.T) {
	store := newMemCacheStore()
	manager := connections.NewManagerWithStore(store, "default")

	ext := &stubResolver{ids: map[string]string{"acme": "org-acme"}}
	deps := Deps{
		Discovery: discovery.NewAggregator(stubSearchProvider{}, &stubExtractor{}, discovery.DefaultConfig()),
		External:  ext,
		Fetcher:   stubFetcher{},
		Backend:   &stubBackend{total: 5},
		ResolveCfg: resolve.Config{
			Retry: retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		},
		SessionCfg: session.Config{MinRequestDelay: time.Microsecond},
	}
	svc := NewService(manager, deps)

	req := types.Requirements{RoleTitle: "SRE", SeedCompanies: []string{"Acme"}}
	if _, err := svc.Run(context.Background(), "", "", req, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	callsAfterFirst := ext.calls

	// The second run must reuse the cached workspace pipeline, whose
	// resolver already holds Acme in Tier 1.
	if _, err := svc.Run(context.Background(), "", "", req, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if ext.calls != callsAfterFirst {
		t.Errorf("cached pipeline must reuse resolver state, got %d extra calls",
			ext.calls-callsAfterFirst)
	}

	metrics, err := svc.ResolverMetrics("")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Hits == 0 {
		t.Error("expected cache hits on the shared resolver")
	}

	svc.InvalidateWorkspace("default")
	if _, err := svc.Run(context.Background(), "", "", req, nil); err != nil {
		t.Fatalf("run after invalidation: %v", err)
	}
}
