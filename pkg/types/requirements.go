package types

import "strings"

// Requirements is the structured hiring need consumed by the pipeline.
// It is produced by an upstream job-description parser that is outside
// this system; here it is input only.
type Requirements struct {
	// RoleTitle is the position being hired for (e.g. "ML Engineer").
	RoleTitle string `json:"role_title"`

	// Seniority is an optional seniority qualifier (e.g. "senior", "staff").
	Seniority string `json:"seniority,omitempty"`

	// MustHaveKeywords are hard skill/technology requirements.
	MustHaveKeywords []string `json:"must_have_keywords,omitempty"`

	// NiceToHaveKeywords are soft preferences used for ranking only.
	NiceToHaveKeywords []string `json:"nice_to_have_keywords,omitempty"`

	// DomainKeywords describe the industry/domain (e.g. "fintech",
	// "payments"). They drive the keyword-search discovery strategy.
	DomainKeywords []string `json:"domain_keywords,omitempty"`

	// SeedCompanies are caller-named example organizations for the
	// seed-expansion strategy.
	SeedCompanies []string `json:"seed_companies,omitempty"`

	// ExcludedCompanies are organizations the caller never wants in the
	// result set. They are filtered out before seed expansion runs, not
	// merely removed from the final list.
	ExcludedCompanies []string `json:"excluded_companies,omitempty"`

	// Location is an optional location preference for the person search.
	Location string `json:"location,omitempty"`

	// LocationRequired makes Location a hard filter instead of a boost.
	LocationRequired bool `json:"location_required,omitempty"`

	// SkipScoring disables the relevance-scoring stage entirely.
	SkipScoring bool `json:"skip_scoring,omitempty"`
}

// Validate checks the requirements are usable as pipeline input.
func (r *Requirements) Validate() error {
	if strings.TrimSpace(r.RoleTitle) == "" {
		return &ValidationError{Field: "role_title", Reason: "must not be empty"}
	}
	if len(r.SeedCompanies) == 0 && len(r.DomainKeywords) == 0 {
		return &ValidationError{
			Field:  "seed_companies",
			Reason: "at least one seed company or domain keyword is required for discovery",
		}
	}
	return nil
}

// IsExcluded reports whether name matches the caller's exclusion list,
// compared on normalized keys so case and punctuation variants still match.
func (r *Requirements) IsExcluded(name string) bool {
	key := NormalizeKey(name)
	if key == "" {
		return false
	}
	for _, ex := range r.ExcludedCompanies {
		if NormalizeKey(ex) == key {
			return true
		}
	}
	return false
}

// KeywordExpression joins the must-have keywords into the free-text keyword
// expression used by the query compiler. Returns "" when there are none.
func (r *Requirements) KeywordExpression() string {
	terms := make([]string, 0, len(r.MustHaveKeywords)+1)
	if t := strings.TrimSpace(r.RoleTitle); t != "" {
		terms = append(terms, t)
	}
	for _, k := range r.MustHaveKeywords {
		if k = strings.TrimSpace(k); k != "" {
			terms = append(terms, k)
		}
	}
	return strings.Join(terms, " OR ")
}
