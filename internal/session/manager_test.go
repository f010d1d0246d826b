package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/candidata/sourcer/internal/query"
	"github.com/candidata/sourcer/internal/search"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

// memSessionStore is an in-memory SessionStore.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*types.SearchSession
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*types.SearchSession)}
}

func (s *memSessionStore) CreateSession(ctx context.Context, sess *types.SearchSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; ok {
		return storage.ErrDuplicateSession
	}
	copied := *sess
	s.sessions[sess.SessionID] = &copied
	return nil
}

func (s *memSessionStore) GetSession(ctx context.Context, sessionID string) (*types.SearchSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *sess
	copied.SeenRecordIDs = append([]string(nil), sess.SeenRecordIDs...)
	return &copied, nil
}

func (s *memSessionStore) UpdateSession(ctx context.Context, sess *types.SearchSession) error {
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

func (s *memSessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
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

// fakeBackend serves a fixed corpus of records in page-sized slices.
type fakeBackend struct {
	mu      sync.Mutex
	records []types.PersonRecord
	calls   []int // page indexes requested
	err     error
}

func corpusOf(n int) []types.PersonRecord {
	records := make([]types.PersonRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, types.PersonRecord{
			RecordID: fmt.Sprintf("rec-%03d", i),
			FullName: fmt.Sprintf("Person %d", i),
		})
	}
	return records
}

func (b *fakeBackend) Execute(ctx context.Context, q *types.BoolQuery, page, size int) (*search.PageResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.calls = append(b.calls, page)

	start := page * size
	end := start + size
	if start > len(b.records) {
		start = len(b.records)
	}
	if end > len(b.records) {
		end = len(b.records)
	}
	return &search.PageResult{
		Records:       append([]types.PersonRecord(nil), b.records[start:end]...),
		TotalEstimate: len(b.records),
	}, nil
}

func compiledQuery(t *testing.T) *types.CompiledQuery {
	t.Helper()
	q, err := query.Compile(query.FilterRequest{RequiredEntityIDs: []string{"org-1"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return q
}

func newTestManager(store storage.SessionStore, backend search.Backend) *Manager {
	return NewManager(store, backend, Config{
		PageSize:        20,
		TTLHours:        24,
		MinRequestDelay: time.Microsecond,
	})
}

func TestCreateExecutesFirstPage(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(87)}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if page.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if len(page.Records) != 20 {
		t.Errorf("expected 20 records on the first page, got %d", len(page.Records))
	}
	if !page.HasMore {
		t.Error("87 records must leave more pages")
	}
	if page.TotalEstimate != 87 {
		t.Errorf("expected total estimate 87, got %d", page.TotalEstimate)
	}
	if page.UniqueReturned != 20 {
		t.Errorf("expected 20 unique returned, got %d", page.UniqueReturned)
	}
}

func TestCreateRejectsNilQuery(t *testing.T) {
	m := newTestManager(newMemSessionStore(), &fakeBackend{})
	if _, err := m.Create(context.Background(), nil); !types.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// Paging through 87 records at page size 20 must yield 20/20/20/20/7
// with no record appearing twice and the final page reporting HasMore=false.
func TestLoadMorePagesToExhaustion(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(87)}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sessionID := page.SessionID

	allIDs := make(map[string]bool)
	for _, r := range page.Records {
		allIDs[r.RecordID] = true
	}

	wantSizes := []int{20, 20, 20, 7}
	for i, want := range wantSizes {
		page, err = m.LoadMore(context.Background(), sessionID, 20)
		if err != nil {
			t.Fatalf("load-more #%d: %v", i+1, err)
		}
		if len(page.Records) != want {
			t.Fatalf("load-more #%d: expected %d records, got %d", i+1, want, len(page.Records))
		}
		for _, r := range page.Records {
			if allIDs[r.RecordID] {
				t.Fatalf("record %s returned twice", r.RecordID)
			}
			allIDs[r.RecordID] = true
		}
	}

	if len(allIDs) != 87 {
		t.Errorf("expected all 87 records exactly once, got %d", len(allIDs))
	}
	if page.HasMore {
		t.Error("final page must report exhaustion")
	}

	// Further load-more calls return empty without touching the backend.
	callsBefore := len(backend.calls)
	page, err = m.LoadMore(context.Background(), sessionID, 20)
	if err != nil {
		t.Fatalf("load-more after exhaustion: %v", err)
	}
	if len(page.Records) != 0 || page.HasMore {
		t.Errorf("exhausted session must return an empty page, got %d records", len(page.Records))
	}
	if len(backend.calls) != callsBefore {
		t.Error("exhausted session must not hit the backend")
	}
	if page.UniqueReturned != 87 {
		t.Errorf("cumulative unique count should stay 87, got %d", page.UniqueReturned)
	}
}

func TestLoadMoreCursorAdvancesMonotonically(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(100)}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.LoadMore(context.Background(), page.SessionID, 20); err != nil {
			t.Fatalf("load-more #%d: %v", i, err)
		}
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	for i := 1; i < len(backend.calls); i++ {
		if backend.calls[i] != backend.calls[i-1]+1 {
			t.Fatalf("page requests must be sequential, got %v", backend.calls)
		}
	}
}

// When the backend shifts a record onto a later page, the dedup set keeps
// it from being returned again, and the shortfall is made up from the
// following page within the same call.
func TestLoadMoreDeduplicatesAcrossPages(t *testing.T) {
	store := newMemSessionStore()
	records := corpusOf(60)
	backend := &fakeBackend{records: records}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A new document lands at the top, pushing rec-019 onto page 1.
	backend.mu.Lock()
	shifted := append([]types.PersonRecord{{RecordID: "rec-new", FullName: "Newcomer"}}, records...)
	backend.records = shifted
	backend.mu.Unlock()

	more, err := m.LoadMore(context.Background(), page.SessionID, 20)
	if err != nil {
		t.Fatalf("load-more: %v", err)
	}
	seen := make(map[string]bool)
	for _, r := range page.Records {
		seen[r.RecordID] = true
	}
	for _, r := range more.Records {
		if seen[r.RecordID] {
			t.Fatalf("record %s returned twice after page shift", r.RecordID)
		}
	}
}

func TestLoadMoreExpiredSession(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(10)}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Jump the clock past the TTL.
	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	_, err = m.LoadMore(context.Background(), page.SessionID, 20)
	if !errors.Is(err, types.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	store.mu.Lock()
	state := store.sessions[page.SessionID].State
	store.mu.Unlock()
	if state != types.SessionExpired {
		t.Errorf("expired session must be marked expired, got %s", state)
	}
}

func TestLoadMoreUnknownSession(t *testing.T) {
	m := newTestManager(newMemSessionStore(), &fakeBackend{})
	_, err := m.LoadMore(context.Background(), "no-such-session", 20)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadMoreBackendFailureLeavesCursor(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(60)}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	store.mu.Lock()
	cursorBefore := store.sessions[page.SessionID].Cursor
	store.mu.Unlock()

	backend.mu.Lock()
	backend.err = &types.TransientError{Op: "search", Err: errors.New("backend down")}
	backend.mu.Unlock()

	if _, err := m.LoadMore(context.Background(), page.SessionID, 20); err == nil {
		t.Fatal("expected the backend failure to surface")
	}

	store.mu.Lock()
	cursorAfter := store.sessions[page.SessionID].Cursor
	store.mu.Unlock()
	if cursorAfter != cursorBefore {
		t.Errorf("a failed fetch must not advance the cursor: %d -> %d", cursorBefore, cursorAfter)
	}

	// Recovery: the same page is retried on the next call.
	backend.mu.Lock()
	backend.err = nil
	backend.mu.Unlock()

	more, err := m.LoadMore(context.Background(), page.SessionID, 20)
	if err != nil {
		t.Fatalf("load-more after recovery: %v", err)
	}
	if len(more.Records) != 20 {
		t.Errorf("expected a full page after recovery, got %d", len(more.Records))
	}
}

func TestRefreshResetsPagination(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(50)}
	m := newTestManager(store, backend)

	page, err := m.Create(context.Background(), compiledQuery(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.LoadMore(context.Background(), page.SessionID, 20); err != nil {
		t.Fatalf("load-more: %v", err)
	}

	refreshed, err := m.Refresh(context.Background(), page.SessionID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(refreshed.Records) != 20 {
		t.Fatalf("refresh must serve the first page again, got %d records", len(refreshed.Records))
	}
	if refreshed.Records[0].RecordID != page.Records[0].RecordID {
		t.Error("refresh must restart from the first backend page")
	}
	if refreshed.UniqueReturned != 20 {
		t.Errorf("refresh must clear the seen set, unique=%d", refreshed.UniqueReturned)
	}

	store.mu.Lock()
	q1 := store.sessions[page.SessionID].CompiledQuery
	store.mu.Unlock()
	serialized, _ := compiledQuery(t).MarshalCompact()
	if q1 != serialized {
		t.Error("refresh must not change the compiled query")
	}
}

func TestPruneExpired(t *testing.T) {
	store := newMemSessionStore()
	backend := &fakeBackend{records: corpusOf(5)}
	m := newTestManager(store, backend)

	if _, err := m.Create(context.Background(), compiledQuery(t)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(context.Background(), compiledQuery(t)); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	removed, err := m.PruneExpired(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 sessions pruned, got %d", removed)
	}
}
