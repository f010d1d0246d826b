// Package session manages search sessions: persistent pagination state
// over a compiled query, with cross-page deduplication and a minimum
// inter-request delay toward the backend.
//
// A session owns its compiled query immutably. Load-more advances a
// backend page cursor and filters out record IDs the session has already
// returned, so a caller paging through results never sees the same
// person twice even when the backend shifts documents between pages.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/candidata/sourcer/internal/search"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

const (
	// DefaultPageSize is the backend page size used per fetch.
	DefaultPageSize = 20

	// DefaultTTLHours is how long a session stays usable after creation.
	DefaultTTLHours = 24

	// DefaultMinRequestDelay is the minimum spacing between backend
	// requests issued on behalf of sessions.
	DefaultMinRequestDelay = 200 * time.Millisecond

	// maxPagesPerCall caps how many backend pages one load-more may pull
	// while chasing its requested count through heavy duplication.
	maxPagesPerCall = 5
)

// Config configures the session manager.
type Config struct {
	PageSize        int
	TTLHours        int
	MinRequestDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TTLHours <= 0 {
		c.TTLHours = DefaultTTLHours
	}
	if c.MinRequestDelay <= 0 {
		c.MinRequestDelay = DefaultMinRequestDelay
	}
	return c
}

// Manager creates sessions and serves incremental pages from them.
type Manager struct {
	store   storage.SessionStore
	backend search.Backend
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

// NewManager creates a session manager backed by the given store and
// search backend.
func NewManager(store storage.SessionStore, backend search.Backend, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		store:   store,
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinRequestDelay), 1),
		now:     time.Now,
	}
}

// Create persists a new session for the compiled query and immediately
// executes its first page.
func (m *Manager) Create(ctx context.Context, compiled *types.CompiledQuery) (*types.PersonPage, error) {
	if compiled == nil {
		return nil, &types.ValidationError{Field: "compiled_query", Reason: "must not be nil"}
	}
	serialized, err := compiled.MarshalCompact()
	if err != nil {
		return nil, fmt.Errorf("session: serialize query: %w", err)
	}

	sess := &types.SearchSession{
		SessionID:     uuid.New().String(),
		CompiledQuery: serialized,
		Cursor:        0,
		State:         types.SessionCreated,
		CreatedAt:     m.now().UTC(),
		TTLHours:      m.cfg.TTLHours,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	return m.fetch(ctx, sess, m.cfg.PageSize)
}

// LoadMore returns the next batch of previously-unseen records for the
// session, targeting count records (the batch may run slightly over when
// count is not a multiple of the backend page size, and under when the
// result set runs out). A session past its TTL fails with
// types.ErrSessionExpired.
func (m *Manager) LoadMore(ctx context.Context, sessionID string, count int) (*types.PersonPage, error) {
	if count <= 0 {
		count = m.cfg.PageSize
	}
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == types.SessionExhausted {
		return &types.PersonPage{
			SessionID:      sess.SessionID,
			Records:        []types.PersonRecord{},
			HasMore:        false,
			TotalEstimate:  sess.TotalEstimate,
			UniqueReturned: len(sess.SeenRecordIDs),
		}, nil
	}
	return m.fetch(ctx, sess, count)
}

// Refresh re-executes the session's query from the first page, clearing
// the seen-ID set. The compiled query itself never changes.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*types.PersonPage, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Cursor = 0
	sess.SeenRecordIDs = nil
	sess.State = types.SessionCreated
	return m.fetch(ctx, sess, m.cfg.PageSize)
}

// PruneExpired deletes sessions past their TTL and returns how many were
// removed.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now().UTC())
}

// load retrieves a session and enforces expiry.
func (m *Manager) load(ctx context.Context, sessionID string) (*types.SearchSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	if sess.Expired(m.now().UTC()) {
		sess.State = types.SessionExpired
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			log.Printf("session: failed to mark %s expired: %v", sessionID, err)
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrSessionExpired)
	}
	return sess, nil
}

// fetch pulls backend pages until count unique records are collected or
// the result set is exhausted, then persists the advanced cursor state.
func (m *Manager) fetch(ctx context.Context, sess *types.SearchSession, count int) (*types.PersonPage, error) {
	query, err := types.UnmarshalCompiledQuery(sess.CompiledQuery)
	if err != nil {
		return nil, fmt.Errorf("session: corrupt stored query for %s: %w", sess.SessionID, err)
	}

	sess.State = types.SessionFetching

	seen := make(map[string]struct{}, len(sess.SeenRecordIDs))
	for _, id := range sess.SeenRecordIDs {
		seen[id] = struct{}{}
	}

	var fresh []types.PersonRecord
	exhausted := false

	for pages := 0; len(fresh) < count && !exhausted && pages < maxPagesPerCall; pages++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := m.backend.Execute(ctx, &query.Query, sess.Cursor, m.cfg.PageSize)
		if err != nil {
			// Leave the cursor where it was so the caller can retry
			// load-more without skipping a backend page.
			sess.State = types.SessionIdle
			if uerr := m.store.UpdateSession(ctx, sess); uerr != nil {
				log.Printf("session: failed to persist %s after fetch error: %v", sess.SessionID, uerr)
			}
			return nil, fmt.Errorf("session: fetch page %d for %s: %w", sess.Cursor, sess.SessionID, err)
		}

		sess.Cursor++
		sess.TotalEstimate = page.TotalEstimate
		sess.LastFetchAt = m.now().UTC()

		for _, rec := range page.Records {
			if _, dup := seen[rec.RecordID]; dup {
				continue
			}
			seen[rec.RecordID] = struct{}{}
			sess.SeenRecordIDs = append(sess.SeenRecordIDs, rec.RecordID)
			fresh = append(fresh, rec)
		}

		// A short page means the backend has no more documents.
		if len(page.Records) < m.cfg.PageSize {
			exhausted = true
		}
	}

	if !exhausted && len(sess.SeenRecordIDs) >= sess.TotalEstimate && sess.TotalEstimate > 0 {
		exhausted = true
	}

	if exhausted {
		sess.State = types.SessionExhausted
	} else {
		sess.State = types.SessionIdle
	}
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: persist %s: %w", sess.SessionID, err)
	}

	// Every record marked seen is handed out on this call, even when the
	// last backend page overshoots count; dropping fetched records here
	// would lose them for good once the cursor has moved past their page.
	if fresh == nil {
		fresh = []types.PersonRecord{}
	}

	return &types.PersonPage{
		SessionID:      sess.SessionID,
		Records:        fresh,
		HasMore:        !exhausted,
		TotalEstimate:  sess.TotalEstimate,
		UniqueReturned: len(sess.SeenRecordIDs),
	}, nil
}
