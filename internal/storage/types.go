package storage

import (
	"errors"
	"time"

	"github.com/candidata/sourcer/pkg/types"
)

var (
	// ErrNotFound indicates that the requested entry does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidInput indicates that the input parameters are invalid,
	// e.g. an empty cache key.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateSession indicates a session ID collision on create.
	ErrDuplicateSession = errors.New("session already exists")
)

// LookupEntry is a Tier-1 cache row: one normalized name and the outcome
// of resolving it.
//
// NormalizedKey is the single unique, required column. Every other field
// is optional — a prior schema required a non-null secondary field and
// silently rejected the majority of legitimate writes, so the invariant
// here is uniqueness on the true key and nothing else.
type LookupEntry struct {
	// NormalizedKey is the unique cache key (see types.NormalizeKey).
	NormalizedKey string

	// StableID is the resolved backend identifier. Empty means this is a
	// cached negative: the resolution was attempted and explicitly failed,
	// which is distinct from the key being absent ("never looked up").
	StableID string

	// Confidence is the resolver's confidence in the match (0.0-1.0).
	Confidence float64

	// LookupTier names the resolver tier that produced the match
	// ("name", "website", "fuzzy"). Empty for negatives.
	LookupTier string

	// Metadata carries whatever sparse descriptive fields resolution
	// returned alongside the identifier.
	Metadata types.EntityMetadata

	// HitCount counts cache hits on this entry.
	HitCount int

	// CreatedAt is when the entry was first written. Negative-entry TTLs
	// are measured from here.
	CreatedAt time.Time

	// LastAccessedAt is the most recent cache hit.
	LastAccessedAt time.Time
}

// IsNegative reports whether the entry records a failed resolution.
func (e *LookupEntry) IsNegative() bool {
	return e.StableID == ""
}

// ProfileEntry is a Tier-2 cache row: the full profile document for one
// stable identifier.
type ProfileEntry struct {
	// StableID is the unique backend identifier.
	StableID string

	// Payload is the raw profile document (JSON).
	Payload []byte

	// LastFetchedAt is when the payload was last fetched from the
	// external profile API. Entries older than the configured staleness
	// window are treated as misses and re-fetched.
	LastFetchedAt time.Time
}

// Stale reports whether the entry is older than ttl at the given time.
func (e *ProfileEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastFetchedAt) > ttl
}
