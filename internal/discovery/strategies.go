package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/candidata/sourcer/pkg/types"
)

// plannedQuery is one provider query the aggregator will execute.
type plannedQuery struct {
	strategy string
	text     string
	priority int // lower runs is higher priority; used for the cost ceiling
}

// expansionTemplates are the broadened queries issued per seed company.
var expansionTemplates = []string{
	"companies similar to %s",
	"competitors of %s",
	"alternatives to %s",
}

// keywordTemplates generate the ranked generic-search query list from
// domain keywords. Earlier templates rank higher.
var keywordTemplates = []string{
	"top %s companies",
	"best %s startups",
	"leading %s companies hiring",
	"%s industry companies list",
}

// planQueries builds the full query plan for a run: seed-expansion
// queries first, then the top generic keyword queries by priority
// (the per-run cost ceiling).
func (a *Aggregator) planQueries(req types.Requirements) []plannedQuery {
	var plan []plannedQuery

	for _, seed := range limitSeeds(req, a.cfg.MaxSeeds) {
		for _, tmpl := range expansionTemplates {
			plan = append(plan, plannedQuery{
				strategy: StrategySeedExpansion,
				text:     fmt.Sprintf(tmpl, seed),
			})
		}
	}

	plan = append(plan, a.planKeywordQueries(req)...)
	return plan
}

// planKeywordQueries generates the ranked keyword query list and keeps
// only the top MaxKeywordQueries.
func (a *Aggregator) planKeywordQueries(req types.Requirements) []plannedQuery {
	var generated []plannedQuery
	for ki, keyword := range req.DomainKeywords {
		keyword = strings.TrimSpace(keyword)
		if keyword == "" {
			continue
		}
		for ti, tmpl := range keywordTemplates {
			generated = append(generated, plannedQuery{
				strategy: StrategyKeywordSearch,
				text:     fmt.Sprintf(tmpl, keyword),
				// Template rank dominates so each keyword gets its best
				// query shape before any keyword gets its second.
				priority: ti*len(req.DomainKeywords) + ki,
			})
		}
	}

	sort.SliceStable(generated, func(i, j int) bool {
		return generated[i].priority < generated[j].priority
	})

	if len(generated) > a.cfg.MaxKeywordQueries {
		generated = generated[:a.cfg.MaxKeywordQueries]
	}
	return generated
}

// limitSeeds returns up to max seeds with exclusions and blanks filtered
// out. Exclusion happens here, before expansion, so an excluded seed
// never generates queries.
func limitSeeds(req types.Requirements, max int) []string {
	out := make([]string, 0, max)
	for _, seed := range req.SeedCompanies {
		seed = strings.TrimSpace(seed)
		if seed == "" || req.IsExcluded(seed) {
			continue
		}
		out = append(out, seed)
		if len(out) == max {
			break
		}
	}
	return out
}
