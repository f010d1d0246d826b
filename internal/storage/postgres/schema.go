// Package postgres provides the PostgreSQL implementation of the cache
// storage interfaces, for shared multi-user deployments.
package postgres

// Schema contains the SQL statements to create the cache schema for
// PostgreSQL. Mirrors the SQLite schema: normalized_key is the only NOT
// NULL column in lookup_cache so a sparse resolver result is never
// rejected by the persistence layer, and a NULL stable_id is a cached
// negative resolution.
const Schema = `
CREATE TABLE IF NOT EXISTS lookup_cache (
    normalized_key   TEXT PRIMARY KEY,
    stable_id        TEXT,
    confidence       DOUBLE PRECISION,
    lookup_tier      TEXT,
    metadata         JSONB,
    hit_count        INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_accessed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS profile_cache (
    stable_id       TEXT PRIMARY KEY,
    payload         JSONB,
    last_fetched_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS search_sessions (
    session_id      TEXT PRIMARY KEY,
    compiled_query  TEXT NOT NULL,
    cursor          INTEGER NOT NULL DEFAULT 0,
    seen_record_ids JSONB,
    total_estimate  INTEGER NOT NULL DEFAULT 0,
    state           TEXT NOT NULL DEFAULT 'created',
    created_at      TIMESTAMPTZ NOT NULL,
    last_fetch_at   TIMESTAMPTZ,
    ttl_hours       INTEGER NOT NULL DEFAULT 24
);

CREATE INDEX IF NOT EXISTS idx_lookup_negative
    ON lookup_cache(created_at) WHERE stable_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_profile_fetched
    ON profile_cache(last_fetched_at);
CREATE INDEX IF NOT EXISTS idx_sessions_created
    ON search_sessions(created_at);
`
