// Package storage provides composable storage interfaces for the sourcer
// cache layer.
//
// The persistence layer is split into small, focused interfaces — Tier-1
// name→identifier lookups, Tier-2 identifier→profile documents, and search
// sessions — that backends implement independently and compose as needed.
package storage

import (
	"context"
	"time"

	"github.com/candidata/sourcer/pkg/types"
)

// LookupStore persists Tier-1 resolution entries: normalized organization
// name → stable backend identifier, including cached negative results.
type LookupStore interface {
	// GetLookup retrieves the Tier-1 entry for a normalized key.
	// Returns ErrNotFound when the key has never been looked up.
	GetLookup(ctx context.Context, normalizedKey string) (*LookupEntry, error)

	// PutLookup creates or replaces the entry for entry.NormalizedKey
	// (upsert semantics; at most one row per key). The key is the only
	// required field: an empty NormalizedKey is rejected with
	// ErrInvalidInput before touching the database.
	PutLookup(ctx context.Context, entry *LookupEntry) error

	// TouchLookup atomically increments the entry's hit count and stamps
	// last_accessed_at. Returns ErrNotFound for an unknown key.
	TouchLookup(ctx context.Context, normalizedKey string, at time.Time) error

	// PruneLookups removes positive entries resolved before positiveBefore
	// and negative entries recorded before negativeBefore. Negative entries
	// carry a shorter TTL so doomed lookups get retried after a cooldown.
	// Returns the number of rows removed.
	PruneLookups(ctx context.Context, positiveBefore, negativeBefore time.Time) (int, error)
}

// ProfileStore persists Tier-2 entries: stable identifier → full profile
// document, invalidated by staleness rather than deletion.
type ProfileStore interface {
	// GetProfile retrieves the Tier-2 entry for a stable identifier.
	// Returns ErrNotFound when no profile has been fetched. Staleness is
	// the caller's policy: the entry's LastFetchedAt is returned as-is.
	GetProfile(ctx context.Context, stableID string) (*ProfileEntry, error)

	// PutProfile creates or replaces the profile for entry.StableID.
	PutProfile(ctx context.Context, entry *ProfileEntry) error

	// PruneProfiles removes profiles fetched before the given time.
	// Returns the number of rows removed.
	PruneProfiles(ctx context.Context, before time.Time) (int, error)
}

// SessionStore persists search sessions so pagination survives caller
// disconnects until the session TTL lapses.
type SessionStore interface {
	// CreateSession stores a new session. The session ID must be unique.
	CreateSession(ctx context.Context, session *types.SearchSession) error

	// GetSession retrieves a session by ID. Returns ErrNotFound for
	// unknown IDs; expiry is the caller's policy.
	GetSession(ctx context.Context, sessionID string) (*types.SearchSession, error)

	// UpdateSession replaces the mutable cursor state of an existing
	// session (cursor, seen IDs, state, total estimate, last fetch time).
	// The compiled query is immutable and is not updated.
	UpdateSession(ctx context.Context, session *types.SearchSession) error

	// DeleteExpiredSessions removes sessions whose TTL lapsed before now.
	// Returns the number of rows removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// CacheStore composes the three persistence concerns behind one handle,
// which is what the sqlite and postgres backends implement.
type CacheStore interface {
	LookupStore
	ProfileStore
	SessionStore

	// Close releases any resources held by the store.
	Close() error
}
