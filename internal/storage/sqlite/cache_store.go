// Package sqlite provides the SQLite implementation of the cache storage
// interfaces. It is CGO-free (modernc.org/sqlite) and is the default
// backend for local and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

// Ensure *CacheStore implements storage.CacheStore at compile time.
var _ storage.CacheStore = (*CacheStore)(nil)

// CacheStore implements storage.CacheStore using SQLite.
type CacheStore struct {
	db *sql.DB
}

// NewCacheStore opens (creating if necessary) a SQLite cache store at the
// given DSN. WAL mode and a busy timeout are applied so concurrent
// pipeline sub-tasks contend on the database gracefully.
func NewCacheStore(dsn string) (*CacheStore, error) {
	// _time_format=sqlite stores time.Time values in a format SQLite's
	// datetime() can parse; the driver default is not parseable in SQL.
	if dsn == ":memory:" {
		dsn += "?_time_format=sqlite"
	} else if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent resolution writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
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

	row := s.db.QueryRowContext(ctx, `
		SELECT normalized_key, stable_id, confidence, lookup_tier, metadata,
		       hit_count, created_at, last_accessed_at
		FROM lookup_cache WHERE normalized_key = ?
	`, normalizedKey)

	return scanLookupEntry(row)
}

// PutLookup creates or replaces the entry for entry.NormalizedKey.
// stable_id is stored as NULL for negatives so the schema-level negative
// index stays usable.
func (s *CacheStore) PutLookup(ctx context.Context, entry *storage.LookupEntry) error {
	if entry == nil || entry.NormalizedKey == "" {
		return storage.ErrInvalidInput
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal lookup metadata: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lookup_cache
			(normalized_key, stable_id, confidence, lookup_tier, metadata,
			 hit_count, created_at, last_accessed_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
		ON CONFLICT(normalized_key) DO UPDATE SET
			stable_id    = excluded.stable_id,
			confidence   = excluded.confidence,
			lookup_tier  = excluded.lookup_tier,
			metadata     = excluded.metadata,
			created_at   = excluded.created_at
	`, entry.NormalizedKey, entry.StableID, entry.Confidence, entry.LookupTier,
		string(metadata), entry.HitCount, createdAt, nullableTime(entry.LastAccessedAt))
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert lookup entry: %w", err)
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
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE normalized_key = ?
	`, at.UTC(), normalizedKey)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch lookup entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PruneLookups removes expired positive and negative entries. Negatives
// use their own (shorter) cutoff so failed lookups get retried sooner.
func (s *CacheStore) PruneLookups(ctx context.Context, positiveBefore, negativeBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM lookup_cache
		WHERE (stable_id IS NOT NULL AND created_at < ?)
		   OR (stable_id IS NULL AND created_at < ?)
	`, positiveBefore.UTC(), negativeBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to prune lookup cache: %w", err)
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
		FROM profile_cache WHERE stable_id = ?
	`, stableID).Scan(&entry.StableID, &payload, &entry.LastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get profile entry: %w", err)
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
		VALUES (?, ?, ?)
		ON CONFLICT(stable_id) DO UPDATE SET
			payload         = excluded.payload,
			last_fetched_at = excluded.last_fetched_at
	`, entry.StableID, string(entry.Payload), entry.LastFetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert profile entry: %w", err)
	}
	return nil
}

// PruneProfiles removes profiles last fetched before the given time.
func (s *CacheStore) PruneProfiles(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM profile_cache WHERE last_fetched_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to prune profile cache: %w", err)
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
		return fmt.Errorf("sqlite: failed to marshal seen record ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_sessions
			(session_id, compiled_query, cursor, seen_record_ids,
			 total_estimate, state, created_at, last_fetch_at, ttl_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.SessionID, session.CompiledQuery, session.Cursor, string(seen),
		session.TotalEstimate, string(session.State), session.CreatedAt.UTC(),
		nullableTime(session.LastFetchAt), session.TTLHours)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return storage.ErrDuplicateSession
		}
		return fmt.Errorf("sqlite: failed to create session: %w", err)
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
		FROM search_sessions WHERE session_id = ?
	`, sessionID).Scan(&session.SessionID, &session.CompiledQuery, &session.Cursor,
		&seen, &session.TotalEstimate, &state, &session.CreatedAt, &lastFetch,
		&session.TTLHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get session: %w", err)
	}

	session.State = types.SessionState(state)
	if lastFetch.Valid {
		session.LastFetchAt = lastFetch.Time
	}
	if seen.Valid && seen.String != "" {
		if err := json.Unmarshal([]byte(seen.String), &session.SeenRecordIDs); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal seen record ids: %w", err)
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
		return fmt.Errorf("sqlite: failed to marshal seen record ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE search_sessions
		SET cursor = ?, seen_record_ids = ?, total_estimate = ?,
		    state = ?, last_fetch_at = ?
		WHERE session_id = ?
	`, session.Cursor, string(seen), session.TotalEstimate,
		string(session.State), nullableTime(session.LastFetchAt), session.SessionID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update session: %w", err)
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
	// ttl_hours is per-row, so the cutoff is computed in SQL.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM search_sessions
		WHERE datetime(created_at, '+' || ttl_hours || ' hours') < datetime(?)
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to delete expired sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// --- helpers --------------------------------------------------------------

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLookupEntry(row rowScanner) (*storage.LookupEntry, error) {
	var entry storage.LookupEntry
	var stableID, lookupTier, metadata sql.NullString
	var confidence sql.NullFloat64
	var lastAccessed sql.NullTime

	err := row.Scan(&entry.NormalizedKey, &stableID, &confidence, &lookupTier,
		&metadata, &entry.HitCount, &entry.CreatedAt, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan lookup entry: %w", err)
	}

	entry.StableID = stableID.String
	entry.LookupTier = lookupTier.String
	entry.Confidence = confidence.Float64
	if lastAccessed.Valid {
		entry.LastAccessedAt = lastAccessed.Time
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal lookup metadata: %w", err)
		}
	}
	return &entry, nil
}

// nullableTime maps the zero time to NULL so unset timestamps stay NULL in
// the database instead of a bogus year-one value.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
