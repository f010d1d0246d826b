package sqlite

// Schema contains the SQL statements to create the cache schema for SQLite.
//
// lookup_cache is Tier 1 (name → identifier). normalized_key is the only
// NOT NULL column by design: every secondary field is nullable so a sparse
// resolver result can never be rejected by the persistence layer. A NULL
// stable_id records a cached negative resolution.
//
// profile_cache is Tier 2 (identifier → full document), invalidated by
// staleness on last_fetched_at rather than by deletion.
const Schema = `
CREATE TABLE IF NOT EXISTS lookup_cache (
    normalized_key   TEXT PRIMARY KEY,
    stable_id        TEXT,
    confidence       REAL,
    lookup_tier      TEXT,
    metadata         TEXT,
    hit_count        INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_accessed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS profile_cache (
    stable_id       TEXT PRIMARY KEY,
    payload         TEXT,
    last_fetched_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS search_sessions (
    session_id      TEXT PRIMARY KEY,
    compiled_query  TEXT NOT NULL,
    cursor          INTEGER NOT NULL DEFAULT 0,
    seen_record_ids TEXT,
    total_estimate  INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'created',
    created_at      TIMESTAMP NOT NULL,
    last_fetch_at   TIMESTAMP,
    ttl_hours       INTEGER NOT NULL DEFAULT 24
);

CREATE INDEX IF NOT EXISTS idx_lookup_negative
    ON lookup_cache(created_at) WHERE stable_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_profile_fetched
    ON profile_cache(last_fetched_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created
    ON search_sessions(created_at);
`
