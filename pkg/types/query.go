package types

import "encoding/json"

// BoolQuery is a boolean query node in the compiled query tree, mirroring
// the must/should/minimum_should_match semantics of the external search
// backend. MUST clauses are required; SHOULD clauses are optional and
// affect ranking; MinimumShouldMatch sets how many SHOULD clauses must
// match (0 = pure boost, >=1 = partially required).
type BoolQuery struct {
	Must    []Clause `json:"must,omitempty"`
	Should  []Clause `json:"should,omitempty"`
	MustNot []Clause `json:"must_not,omitempty"`

	// MinimumShouldMatch is a pointer so an explicit 0 ("boost only")
	// survives serialization instead of being dropped as a zero value.
	MinimumShouldMatch *int `json:"minimum_should_match,omitempty"`
}

// Clause is a single query clause. Exactly one field is set; the wire
// shape matches the backend's query DSL ({"term": {...}}, {"nested": {...}}
// and so on).
type Clause struct {
	Term   map[string]string   `json:"term,omitempty"`
	Terms  map[string][]string `json:"terms,omitempty"`
	Match  map[string]string   `json:"match,omitempty"`
	Nested *NestedClause       `json:"nested,omitempty"`
	Bool   *BoolQuery          `json:"bool,omitempty"`
}

// NestedClause scopes a query to a repeated sub-document field, e.g. a
// person's work-history entries, rather than the top-level document.
type NestedClause struct {
	Path  string `json:"path"`
	Query Clause `json:"query"`
}

// CompiledQuery is the immutable output of the query compiler, wrapping
// the boolean tree together with the nested path it targets.
type CompiledQuery struct {
	Query BoolQuery `json:"query"`
}

// MarshalCompact serializes the compiled query for session persistence
// and for diagnostic logging of rejected queries.
func (q *CompiledQuery) MarshalCompact() (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalCompiledQuery restores a compiled query persisted by
// MarshalCompact.
func UnmarshalCompiledQuery(data string) (*CompiledQuery, error) {
	var q CompiledQuery
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// IntPtr returns a pointer to v. Used when setting an explicit
// MinimumShouldMatch, including the meaningful zero.
func IntPtr(v int) *int { return &v }
