package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

// Ensure *CacheStore implements storage.CacheStore at compile time.
var _ storage.CacheStore = (*CacheStore)(nil)

// CacheStore implements storage.CacheStore using PostgreSQL.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore connects to PostgreSQL using the given DSN and ensures the
// cache schema exists.
func NewCacheStore(dsn string) (*CacheStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	return &CacheStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *CacheStore) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

// --- Tier 1: lookup cache -------------------------------------------------

// GetLookup retrieves the Tier-1 entry for a normalized key.
func (s *CacheStore) GetLookup(ctx context.Context, normalizedKey string) (*storage.LookupEntry, error) {
	if normalizedKey == "" {
		return nil, storage.ErrInvalidInput
	}

	var entry storage.LookupEntry
	var stableID, lookupTier, metadata sql.NullString
	var confidence sql.NullFloat64
	var lastAccessed sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT normalized_key, stable_id, confidence, lookup_tier, metadata,
		       hit_count, created_at, last_accessed_at
		FROM lookup_cache WHERE normalized_key = $1
	`, normalizedKey).Scan(&entry.NormalizedKey, &stableID, &confidence,
		&lookupTier, &metadata, &entry.HitCount, &entry.CreatedAt, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get lookup entry: %w", err)
	}

	entry.StableID = stableID.String
	entry.LookupTier = lookupTier.String
	entry.Confidence = confidence.Float64
	if lastAccessed.Valid {
		entry.LastAccessedAt = lastAccessed.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal lookup metadata: %w", err)
		}
	}
	return &entry, nil
}

// PutLookup creates or replaces the entry for entry.NormalizedKey.
func (s *CacheStore) PutLookup(ctx context.Context, entry *storage.LookupEntry) error {
	if entry == nil || entry.NormalizedKey == "" {
		return storage.ErrInvalidInput
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal lookup metadata: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lookup_cache
			(normalized_key, stable_id, confidence, lookup_tier, metadata,
			 hit_count, created_at, last_accessed_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
		ON CONFLICT (normalized_key) DO UPDATE SET
			stable_id   = EXCLUDED.stable_id,
			confidence  = EXCLUDED.confidence,
			lookup_tier = EXCLUDED.lookup_tier,
			metadata    = EXCLUDED.metadata,
			created_at  = EXCLUDED.created_at
	`, entry.NormalizedKey, entry.StableID, entry.Confidence, entry.LookupTier,
		string(metadata), entry.HitCount, createdAt, nullableTime(entry.LastAccessedAt))
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert lookup entry: %w", err)
	}
	return nil
}

// TouchLookup atomically bumps hit_count and last_accessed_at.
func (s *CacheStore) TouchLookup(ctx context.Context, normalizedKey string, at time.Time) error {
	if normalizedKey == "" {
		return storage.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE lookup_cache
		SET hit_count = hit_count + 1, last_accessed_at = $1
		WHERE normalized_key = $2
	`, at.UTC(), normalizedKey)
	if err != nil {
		return fmt.Errorf("postgres: failed to touch lookup entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PruneLookups removes expired positive and negative entries.
func (s *CacheStore) PruneLookups(ctx context.Context, positiveBefore, negativeBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM lookup_cache
		WHERE (stable_id IS NOT NULL AND created_at < $1)
		   OR (stable_id IS NULL AND created_at < $2)
	`, positiveBefore.UTC(), negativeBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to prune lookup cache: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// --- Tier 2: profile cache ------------------------------------------------

// GetProfile retrieves the Tier-2 entry for a stable identifier.
func (s *CacheStore) GetProfile(ctx context.Context, stableID string) (*storage.ProfileEntry, error) {
	if stableID == "" {
		return nil, storage.ErrInvalidInput
	}

	var entry storage.ProfileEntry
	var payload sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT stable_id, payload, last_fetched_at
		FROM profile_cache WHERE stable_id = $1
	`, stableID).Scan(&entry.StableID, &payload, &entry.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get profile entry: %w", err)
	}

	if payload.Valid {
		entry.Payload = []byte(payload.String)
	}
	return &entry, nil
}

// PutProfile creates or replaces the profile document for a stable ID.
func (s *CacheStore) PutProfile(ctx context.Context, entry *storage.ProfileEntry) error {
	if entry == nil || entry.StableID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_cache (stable_id, payload, last_fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (stable_id) DO UPDATE SET
			payload         = EXCLUDED.payload,
			last_fetched_at = EXCLUDED.last_fetched_at
	`, entry.StableID, string(entry.Payload), entry.LastFetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert profile entry: %w", err)
	}
	return nil
}

// PruneProfiles removes profiles last fetched before the given time.
func (s *CacheStore) PruneProfiles(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM profile_cache WHERE last_fetched_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to prune profile cache: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// --- Search sessions ------------------------------------------------------

// CreateSession stores a new session row.
func (s *CacheStore) CreateSession(ctx context.Context, session *types.SearchSession) error {
	if session == nil || session.SessionID == "" {
		return storage.ErrInvalidInput
	}

	seen, err := json.Marshal(session.SeenRecordIDs)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal seen record ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_sessions
			(session_id, compiled_query, cursor, seen_record_ids,
			 total_estimate, state, created_at, last_fetch_at, ttl_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, session.SessionID, session.CompiledQuery, session.Cursor, string(seen),
		session.TotalEstimate, string(session.State), session.CreatedAt.UTC(),
		nullableTime(session.LastFetchAt), session.TTLHours)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return storage.ErrDuplicateSession
		}
		return fmt.Errorf("postgres: failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *CacheStore) GetSession(ctx context.Context, sessionID string) (*types.SearchSession, error) {
	if sessionID == "" {
		return nil, storage.ErrInvalidInput
	}

	var session types.SearchSession
	var seen sql.NullString
	var state string
	var lastFetch sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, compiled_query, cursor, seen_record_ids,
		       total_estimate, state, created_at, last_fetch_at, ttl_hours
		FROM search_sessions WHERE session_id = $1
	`, sessionID).Scan(&session.SessionID, &session.CompiledQuery, &session.Cursor,
		&seen, &session.TotalEstimate, &state, &session.CreatedAt, &lastFetch,
		&session.TTLHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get session: %w", err)
	}

	session.State = types.SessionState(state)
	if lastFetch.Valid {
		session.LastFetchAt = lastFetch.Time
	}
	if seen.Valid && seen.String != "" {
		if err := json.Unmarshal([]byte(seen.String), &session.SeenRecordIDs); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal seen record ids: %w", err)
		}
	}
	return &session, nil
}

// UpdateSession replaces the mutable cursor state of an existing session.
func (s *CacheStore) UpdateSession(ctx context.Context, session *types.SearchSession) error {
	if session == nil || session.SessionID == "" {
		return storage.ErrInvalidInput
	}

	seen, err := json.Marshal(session.SeenRecordIDs)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal seen record ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE search_sessions
		SET cursor = $1, seen_record_ids = $2, total_estimate = $3,
		    state = $4, last_fetch_at = $5
		WHERE session_id = $6
	`, session.Cursor, string(seen), session.TotalEstimate,
		string(session.State), nullableTime(session.LastFetchAt), session.SessionID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose TTL lapsed before now.
func (s *CacheStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM search_sessions
		WHERE created_at + (ttl_hours * INTERVAL '1 hour') < $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// nullableTime maps the zero time to NULL so unset timestamps stay NULL in
// the database instead of a bogus year-one value.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
