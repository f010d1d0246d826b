package types

import "time"

// SessionState describes where a search session is in its lifecycle.
type SessionState string

const (
	// SessionCreated is a session that has been created but not yet
	// executed its first page.
	SessionCreated SessionState = "created"

	// SessionFetching is a session currently executing a page fetch.
	SessionFetching SessionState = "fetching"

	// SessionIdle is a session between fetches with more results available.
	SessionIdle SessionState = "idle"

	// SessionExhausted is a session whose backend result set is fully
	// consumed; load-more returns no new records.
	SessionExhausted SessionState = "exhausted"

	// SessionExpired is a session past its TTL; load-more fails.
	SessionExpired SessionState = "expired"
)

// SearchSession owns a compiled person-search query and the cursor state
// needed to pull more pages from the backend incrementally. Sessions are
// persisted so a caller can disconnect and resume until the TTL lapses.
type SearchSession struct {
	// SessionID uniquely identifies the session.
	SessionID string `json:"session_id"`

	// CompiledQuery is the serialized query tree. Immutable once created.
	CompiledQuery string `json:"compiled_query"`

	// Cursor is the next backend page index to fetch (0-indexed,
	// monotonically increasing).
	Cursor int `json:"cursor"`

	// SeenRecordIDs are the stable record identifiers already returned,
	// used to deduplicate across pages.
	SeenRecordIDs []string `json:"seen_record_ids"`

	// TotalEstimate is the backend's total-hit estimate from the most
	// recent page fetch.
	TotalEstimate int `json:"total_estimate"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	CreatedAt   time.Time `json:"created_at"`
	LastFetchAt time.Time `json:"last_fetch_at"`
	TTLHours    int       `json:"ttl_hours"`
}

// ExpiresAt returns the instant the session becomes unusable.
func (s *SearchSession) ExpiresAt() time.Time {
	return s.CreatedAt.Add(time.Duration(s.TTLHours) * time.Hour)
}

// Expired reports whether the session is past its TTL at the given time.
func (s *SearchSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

// PersonRecord is one person document returned by the search backend.
// Payload preserves the full source document; the named fields are the
// validated subset the pipeline relies on.
type PersonRecord struct {
	// RecordID is the backend's stable document identifier.
	RecordID string `json:"record_id"`

	// FullName is the person's display name ("" when the source document
	// omits it; never silently nil).
	FullName string `json:"full_name"`

	// Title is the person's current or most recent title.
	Title string `json:"title,omitempty"`

	// Location is the person's location string.
	Location string `json:"location,omitempty"`

	// CompanyIDs are the stable organization identifiers from the
	// person's work history.
	CompanyIDs []string `json:"company_ids,omitempty"`

	// Payload is the raw source document.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// PersonPage is one page of person-search results as returned to the
// caller, after cross-page deduplication.
type PersonPage struct {
	SessionID     string         `json:"session_id"`
	Records       []PersonRecord `json:"records"`
	HasMore       bool           `json:"has_more"`
	TotalEstimate int            `json:"total_estimate"`

	// UniqueReturned is the cumulative count of unique records the
	// session has handed out, including this page.
	UniqueReturned int `json:"unique_returned"`
}
