// Package scoring implements the optional relevance-scoring stage. It
// batches discovered entities to an external classifier and attaches a
// bounded numeric score plus a short rationale to each.
//
// The integrity contract: an entity the classifier skipped or that the
// parser could not read is flagged unscored and excluded from score-based
// ranking. It is never given a fabricated default that a consumer could
// mistake for a genuine evaluation.
package scoring

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/candidata/sourcer/internal/llm"
	"github.com/candidata/sourcer/internal/retry"
	"github.com/candidata/sourcer/pkg/types"
)

// Score bounds for the classifier's 1-10 scale.
const (
	MinScore = 1
	MaxScore = 10
)

// DefaultBatchSize is how many entities go to the classifier per call.
const DefaultBatchSize = 20

// Report summarizes a scoring run for progress reporting.
type Report struct {
	Batches       int  `json:"batches"`
	Scored        int  `json:"scored"`
	Unscored      int  `json:"unscored"`
	ParseFailures int  `json:"parse_failures"`
	BatchFailures int  `json:"batch_failures"`
	Skipped       bool `json:"skipped"`
}

// Scorer scores entities against a hiring context.
type Scorer struct {
	classifier llm.Classifier
	batchSize  int
	retryPol   retry.Policy
}

// NewScorer creates a scorer. A zero batchSize uses DefaultBatchSize.
func NewScorer(classifier llm.Classifier, batchSize int) *Scorer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scorer{
		classifier: classifier,
		batchSize:  batchSize,
		retryPol:   retry.DefaultPolicy(),
	}
}

// Skip returns the result set for a run where scoring was disabled:
// every entity unscored, discovery order preserved, and the skip flagged
// in the set's metadata so consumers can tell "unranked" from "ranked".
func Skip(entities []types.Entity) *types.ScoredResultSet {
	unscored := make([]types.Entity, len(entities))
	copy(unscored, entities)
	for i := range unscored {
		unscored[i].Scored = false
		unscored[i].RelevanceScore = nil
	}
	return &types.ScoredResultSet{
		Unscored:       unscored,
		ScoringSkipped: true,
		GeneratedAt:    time.Now().UTC(),
	}
}

// Score batches the entities to the classifier and returns them sorted
// by relevance. Cancellation is checked between batches; a failed batch
// degrades its entities to unscored and the run continues.
func (s *Scorer) Score(ctx context.Context, entities []types.Entity, req types.Requirements) (*types.ScoredResultSet, *Report, error) {
	if len(entities) == 0 {
		return &types.ScoredResultSet{GeneratedAt: time.Now().UTC()}, &Report{}, nil
	}

	report := &Report{}
	scored := make([]types.Entity, 0, len(entities))
	unscored := make([]types.Entity, 0)

	for start := 0; start < len(entities); start += s.batchSize {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		end := start + s.batchSize
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[start:end]
		report.Batches++

		results := s.scoreBatch(ctx, batch, req, report)
		for _, e := range results {
			if e.Scored {
				scored = append(scored, e)
			} else {
				unscored = append(unscored, e)
			}
		}
	}

	// Stable sort keeps discovery order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].RelevanceScore > *scored[j].RelevanceScore
	})

	report.Scored = len(scored)
	report.Unscored = len(unscored)

	return &types.ScoredResultSet{
		Scored:      scored,
		Unscored:    unscored,
		GeneratedAt: time.Now().UTC(),
	}, report, nil
}

// scoreBatch sends one batch to the classifier and applies its scores.
// Every entity comes back either genuinely scored or explicitly unscored.
func (s *Scorer) scoreBatch(ctx context.Context, batch []types.Entity, req types.Requirements, report *Report) []types.Entity {
	out := make([]types.Entity, len(batch))
	copy(out, batch)

	var raw string
	outcome := retry.Do(ctx, s.retryPol, func(ctx context.Context) error {
		resp, err := s.classifier.Classify(ctx, buildPrompt(batch, req))
		if err != nil {
			return err
		}
		raw = resp
		return nil
	})
	if outcome.State != retry.StateSucceeded {
		log.Printf("scoring: batch of %d failed after %d attempts: %v",
			len(batch), outcome.Attempts, outcome.Err)
		report.BatchFailures++
		for i := range out {
			out[i].Scored = false
			out[i].RelevanceScore = nil
		}
		return out
	}

	scores, err := parseScoreResponse(raw)
	if err != nil {
		log.Printf("scoring: unparseable batch response: %v", err)
		report.BatchFailures++
		for i := range out {
			out[i].Scored = false
			out[i].RelevanceScore = nil
		}
		return out
	}

	for i := range out {
		entry, ok := scores[types.NormalizeKey(out[i].Name)]
		if !ok || !entry.valid() {
			// A missing or out-of-range score for one entity must not
			// fail the batch; the entity is flagged, not defaulted.
			report.ParseFailures++
			out[i].Scored = false
			out[i].RelevanceScore = nil
			continue
		}
		score := entry.Score
		out[i].RelevanceScore = &score
		out[i].Scored = true
		out[i].ScoreRationale = entry.Rationale
	}
	return out
}

// buildPrompt renders the batch plus hiring context for the classifier.
func buildPrompt(batch []types.Entity, req types.Requirements) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate each company 1-10 for how likely its current or former employees fit this role.\n\n")
	fmt.Fprintf(&b, "Role: %s", req.RoleTitle)
	if req.Seniority != "" {
		fmt.Fprintf(&b, " (%s)", req.Seniority)
	}
	b.WriteString("\n")
	if len(req.MustHaveKeywords) > 0 {
		fmt.Fprintf(&b, "Must have: %s\n", strings.Join(req.MustHaveKeywords, ", "))
	}
	if len(req.NiceToHaveKeywords) > 0 {
		fmt.Fprintf(&b, "Nice to have: %s\n", strings.Join(req.NiceToHaveKeywords, ", "))
	}
	if len(req.DomainKeywords) > 0 {
		fmt.Fprintf(&b, "Domain: %s\n", strings.Join(req.DomainKeywords, ", "))
	}

	b.WriteString("\nCompanies:\n")
	for i, e := range batch {
		fmt.Fprintf(&b, "%d. %s", i+1, e.Name)
		if e.Metadata.Industry != "" {
			fmt.Fprintf(&b, " (industry: %s)", e.Metadata.Industry)
		}
		b.WriteString("\n")
	}

	b.WriteString(`
Return ONLY a JSON object of the form:
{"scores": [{"name": "<company name>", "score": <1-10>, "rationale": "<one sentence>"}]}
with exactly one entry per company listed above.`)
	return b.String()
}
