package types

import (
	"strings"
	"time"
	"unicode"
)

// Entity represents a candidate target organization discovered by the
// pipeline. An Entity is created by the discovery aggregator, gains a
// StableID when resolution succeeds, and gains a RelevanceScore when the
// scoring stage runs. Once an entity is attached to a result set returned
// to the caller it is treated as immutable.
type Entity struct {
	// Name is the raw organization name as extracted from a discovery source.
	Name string `json:"name"`

	// NormalizedKey is the canonical cache key derived from Name
	// (lowercased, punctuation stripped, whitespace collapsed).
	NormalizedKey string `json:"normalized_key"`

	// StableID is the backend identifier assigned once resolution succeeds.
	// Empty until resolved; stays empty for unresolvable names.
	StableID string `json:"stable_id,omitempty"`

	// Metadata carries sparse, optional descriptive fields.
	Metadata EntityMetadata `json:"metadata,omitempty"`

	// Provenance records which discovery strategy produced this entity.
	Provenance Provenance `json:"provenance"`

	// RelevanceScore is set only by the scoring stage. A nil pointer means
	// "never scored" and must never be presented as a numeric score.
	RelevanceScore *float64 `json:"relevance_score,omitempty"`

	// Scored reports whether a genuine classifier evaluation produced
	// RelevanceScore. False means the score field is absent, not zero.
	Scored bool `json:"scored"`

	// ScoreRationale is the classifier's short explanation, when scored.
	ScoreRationale string `json:"score_rationale,omitempty"`
}

// EntityMetadata holds optional descriptive fields about an organization.
// All fields are sparse; absence is the common case.
type EntityMetadata struct {
	Industry string `json:"industry,omitempty"`
	Size     string `json:"size,omitempty"`
	Location string `json:"location,omitempty"`
	Website  string `json:"website,omitempty"`
}

// Provenance records where a discovered entity came from.
type Provenance struct {
	// StrategyID identifies the discovery strategy (e.g. "seed_expansion",
	// "keyword_search").
	StrategyID string `json:"strategy_id"`

	// SourceQuery is the query text that produced this candidate.
	SourceQuery string `json:"source_query,omitempty"`

	// SourceRef is a reference to the source result (URL or document id).
	SourceRef string `json:"source_ref,omitempty"`

	// Rank is the 1-indexed position of the source result within its query.
	Rank int `json:"rank,omitempty"`
}

// ScoredResultSet is the ordered output of the scoring stage. Scored
// entities are sorted by relevance descending; entities that were never
// scored live in a separate bucket so a missing score can never be
// mistaken for a low one.
type ScoredResultSet struct {
	// Scored contains entities with genuine classifier scores, sorted by
	// RelevanceScore descending.
	Scored []Entity `json:"scored"`

	// Unscored contains entities the classifier skipped or failed on, in
	// discovery order.
	Unscored []Entity `json:"unscored"`

	// ScoringSkipped is true when the scoring stage did not run at all,
	// in which case Scored is empty and Unscored preserves discovery order.
	ScoringSkipped bool `json:"scoring_skipped"`

	// GeneratedAt is when the result set was assembled.
	GeneratedAt time.Time `json:"generated_at"`
}

// All returns every entity in the set: scored first (by score descending),
// then unscored in discovery order.
func (s *ScoredResultSet) All() []Entity {
	out := make([]Entity, 0, len(s.Scored)+len(s.Unscored))
	out = append(out, s.Scored...)
	out = append(out, s.Unscored...)
	return out
}

// NormalizeKey derives the canonical Tier-1 cache key for an organization
// name: lowercase, punctuation removed, whitespace collapsed to single
// spaces. Returns the empty string for names with no usable characters,
// which callers must reject before any cache write.
func NormalizeKey(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastSpace := true // trims leading whitespace
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// Punctuation ("Acme, Inc." → "acme inc") is dropped entirely.
		}
	}

	return strings.TrimSpace(b.String())
}
