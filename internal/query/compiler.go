// Package query compiles structured filter requests into boolean query
// trees for the external nested-document search backend.
//
// The compiler is a pure function: no I/O, no clock, no randomness. The
// one contract that matters most — and the bug class this package exists
// to prevent — is clause placement. A clause the caller marked optional
// must never land in a MUST array: the backend reports no error for an
// over-constrained query, it just silently returns zero hits.
package query

import (
	"fmt"
	"strings"

	"github.com/candidata/sourcer/pkg/types"
)

// Default field mapping for the person-document schema of the search
// backend. Work history is a nested repeated field, so company membership
// clauses must be scoped with a nested clause or they match across
// different history entries.
const (
	DefaultWorkHistoryPath = "experience"
	DefaultCompanyIDField  = "experience.company.id"
	DefaultTitleField      = "job_title"
	DefaultLocationField   = "location_name"

	// DefaultEntityChunkSize bounds the number of company IDs in a single
	// terms clause, respecting the backend's query-size limits.
	DefaultEntityChunkSize = 100
)

// FilterRequest specifies a person-search filter to compile.
type FilterRequest struct {
	// RequiredEntityIDs are stable organization identifiers; matching
	// people must have worked at at least one of them. Must be non-empty.
	RequiredEntityIDs []string

	// Keyword is an optional free-text role/title expression.
	Keyword string

	// KeywordRequired puts the keyword clause in MUST (hard filter)
	// instead of SHOULD (ranking boost).
	KeywordRequired bool

	// Location is an optional location term.
	Location string

	// LocationRequired puts the location clause in MUST instead of SHOULD.
	LocationRequired bool

	// EntityChunkSize overrides DefaultEntityChunkSize when > 0.
	EntityChunkSize int
}

// Compile maps a filter request to a boolean query tree.
//
// Structure of the output:
//
//   - Entity membership is an inner should-group of nested terms clauses
//     with minimum_should_match=1, placed inside the outer MUST. Membership
//     in at least one required organization is the query's one hard
//     constraint.
//   - Optional keyword/location clauses go to the outer SHOULD with
//     minimum_should_match=0: they boost ranking but never exclude
//     documents. Only when the corresponding Required flag is set do they
//     move to MUST.
//
// Compile is deterministic: identical requests yield structurally
// identical trees.
func Compile(req FilterRequest) (*types.CompiledQuery, error) {
	ids := cleanIDs(req.RequiredEntityIDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("query: at least one required entity id is needed: %w", types.ErrInvalidFilter)
	}

	chunkSize := req.EntityChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultEntityChunkSize
	}

	root := types.BoolQuery{
		Must: []types.Clause{membershipClause(ids, chunkSize)},
	}

	keyword := strings.TrimSpace(req.Keyword)
	if keyword != "" {
		clause := types.Clause{Match: map[string]string{DefaultTitleField: keyword}}
		if req.KeywordRequired {
			root.Must = append(root.Must, clause)
		} else {
			root.Should = append(root.Should, clause)
		}
	}

	location := strings.TrimSpace(req.Location)
	if location != "" {
		clause := types.Clause{Match: map[string]string{DefaultLocationField: location}}
		if req.LocationRequired {
			root.Must = append(root.Must, clause)
		} else {
			root.Should = append(root.Should, clause)
		}
	}

	// An explicit zero on the outer bool makes the boost-only intent part
	// of the wire query instead of relying on backend defaults.
	if len(root.Should) > 0 {
		root.MinimumShouldMatch = types.IntPtr(0)
	}

	return &types.CompiledQuery{Query: root}, nil
}

// membershipClause builds the required entity-membership group: nested
// terms clauses (one per chunk of IDs) OR-joined in a should-group with
// minimum_should_match=1.
func membershipClause(ids []string, chunkSize int) types.Clause {
	group := &types.BoolQuery{
		MinimumShouldMatch: types.IntPtr(1),
	}

	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		group.Should = append(group.Should, types.Clause{
			Nested: &types.NestedClause{
				Path: DefaultWorkHistoryPath,
				Query: types.Clause{
					Terms: map[string][]string{DefaultCompanyIDField: ids[start:end]},
				},
			},
		})
	}

	return types.Clause{Bool: group}
}

// cleanIDs drops empty/whitespace IDs and duplicates while preserving
// input order, so compilation stays deterministic.
func cleanIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
