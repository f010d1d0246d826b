package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/candidata/sourcer/internal/llm"
	"github.com/candidata/sourcer/internal/retry"
	"github.com/candidata/sourcer/pkg/types"
)

func entitiesNamed(names ...string) []types.Entity {
	out := make([]types.Entity, 0, len(names))
	for _, n := range names {
		out = append(out, types.Entity{Name: n, NormalizedKey: types.NormalizeKey(n)})
	}
	return out
}

func scoresJSON(entries ...string) string {
	return fmt.Sprintf(`{"scores": [%s]}`, strings.Join(entries, ", "))
}

func entry(name string, score float64) string {
	return fmt.Sprintf(`{"name": %q, "score": %g, "rationale": "test"}`, name, score)
}

func testReq() types.Requirements {
	return types.Requirements{
		RoleTitle:        "ML Engineer",
		MustHaveKeywords: []string{"python", "pytorch"},
	}
}

func fastScorer(mock *llm.MockClassifier, batchSize int) *Scorer {
	s := NewScorer(mock, batchSize)
	s.retryPol = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return s
}

func TestScoreSortsByRelevanceDescending(t *testing.T) {
	mock := &llm.MockClassifier{Responses: []string{
		scoresJSON(entry("Alpha", 3), entry("Beta", 9), entry("Gamma", 6)),
	}}
	s := fastScorer(mock, 20)

	set, report, err := s.Score(context.Background(), entitiesNamed("Alpha", "Beta", "Gamma"), testReq())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if report.Scored != 3 || report.Unscored != 0 {
		t.Fatalf("expected 3 scored, got %+v", report)
	}

	gotOrder := []string{set.Scored[0].Name, set.Scored[1].Name, set.Scored[2].Name}
	want := []string{"Beta", "Gamma", "Alpha"}
	for i := range want {
		if gotOrder[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, gotOrder)
		}
	}
	for _, e := range set.Scored {
		if e.RelevanceScore == nil || !e.Scored {
			t.Errorf("scored entity %s missing its score", e.Name)
		}
		if e.ScoreRationale == "" {
			t.Errorf("scored entity %s missing its rationale", e.Name)
		}
	}
}

func TestScoreBatchesLargeInputs(t *testing.T) {
	names := make([]string, 0, 45)
	entries := make([]string, 0, 45)
	for i := 0; i < 45; i++ {
		name := fmt.Sprintf("Company %d", i)
		names = append(names, name)
		entries = append(entries, entry(name, float64(1+i%10)))
	}
	// One canned response carrying every score; each batch call repeats it
	// and picks out its own entities.
	mock := &llm.MockClassifier{Responses: []string{scoresJSON(entries...)}}
	s := fastScorer(mock, 20)

	_, report, err := s.Score(context.Background(), entitiesNamed(names...), testReq())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if report.Batches != 3 {
		t.Errorf("45 entities at batch size 20 should make 3 batches, got %d", report.Batches)
	}
	if mock.Calls != 3 {
		t.Errorf("expected 3 classifier calls, got %d", mock.Calls)
	}
	if report.Scored != 45 {
		t.Errorf("expected all 45 scored, got %+v", report)
	}
}

// A missing or out-of-range verdict flags that entity unscored; it never
// gets a fabricated score and the rest of the batch is unaffected.
func TestScoreMissingAndInvalidVerdicts(t *testing.T) {
	mock := &llm.MockClassifier{Responses: []string{
		scoresJSON(entry("Alpha", 7), entry("Beta", 15)), // Beta out of range, Gamma absent
	}}
	s := fastScorer(mock, 20)

	set, report, err := s.Score(context.Background(), entitiesNamed("Alpha", "Beta", "Gamma"), testReq())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(set.Scored) != 1 || set.Scored[0].Name != "Alpha" {
		t.Fatalf("expected only Alpha scored, got %+v", set.Scored)
	}
	if len(set.Unscored) != 2 {
		t.Fatalf("expected Beta and Gamma unscored, got %d", len(set.Unscored))
	}
	for _, e := range set.Unscored {
		if e.RelevanceScore != nil || e.Scored {
			t.Errorf("unscored entity %s carries a score", e.Name)
		}
	}
	if report.ParseFailures != 2 {
		t.Errorf("expected 2 parse failures, got %+v", report)
	}
}

func TestScoreFailedBatchDegradesToUnscored(t *testing.T) {
	mock := &llm.MockClassifier{
		Errs: []error{
			&types.PermanentError{Op: "classify", Err: errors.New("quota exceeded")},
		},
		Responses: []string{scoresJSON(entry("Gamma", 8), entry("Delta", 5))},
	}
	s := fastScorer(mock, 2)

	set, report, err := s.Score(context.Background(),
		entitiesNamed("Alpha", "Beta", "Gamma", "Delta"), testReq())
	if err != nil {
		t.Fatalf("a failed batch must not fail the run: %v", err)
	}
	if report.BatchFailures != 1 {
		t.Errorf("expected 1 batch failure, got %+v", report)
	}
	if len(set.Unscored) != 2 {
		t.Errorf("the failed batch's entities must be unscored, got %d", len(set.Unscored))
	}
	if len(set.Scored) != 2 {
		t.Errorf("the second batch must still score, got %d", len(set.Scored))
	}
}

func TestScoreRetriesTransientClassifierFailure(t *testing.T) {
	mock := &llm.MockClassifier{
		Errs:      []error{&types.TransientError{Op: "classify", Err: errors.New("429")}},
		Responses: []string{"", scoresJSON(entry("Alpha", 6))},
	}
	s := fastScorer(mock, 20)

	set, _, err := s.Score(context.Background(), entitiesNamed("Alpha"), testReq())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(set.Scored) != 1 {
		t.Fatalf("expected the retried batch to succeed, got %+v", set)
	}
	if mock.Calls != 2 {
		t.Errorf("expected 2 classifier calls (1 retry), got %d", mock.Calls)
	}
}

func TestScoreEmptyInput(t *testing.T) {
	s := fastScorer(&llm.MockClassifier{}, 20)
	set, report, err := s.Score(context.Background(), nil, testReq())
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(set.Scored) != 0 || len(set.Unscored) != 0 || report.Batches != 0 {
		t.Errorf("empty input should produce an empty set, got %+v / %+v", set, report)
	}
}

func TestScoreCancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mock := &llm.MockClassifier{Responses: []string{scoresJSON(entry("Alpha", 5))}}
	s := fastScorer(mock, 1)

	cancel()
	_, _, err := s.Score(ctx, entitiesNamed("Alpha", "Beta"), testReq())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSkipFlagsEverythingUnscored(t *testing.T) {
	score := 7.0
	entities := entitiesNamed("Alpha", "Beta")
	entities[0].RelevanceScore = &score // stale value from a previous run
	entities[0].Scored = true

	set := Skip(entities)
	if !set.ScoringSkipped {
		t.Error("skip must be flagged on the result set")
	}
	if len(set.Scored) != 0 || len(set.Unscored) != 2 {
		t.Fatalf("skip must leave everything unscored: %+v", set)
	}
	for _, e := range set.Unscored {
		if e.RelevanceScore != nil || e.Scored {
			t.Errorf("entity %s kept a stale score through skip", e.Name)
		}
	}
	// Discovery order preserved.
	if set.Unscored[0].Name != "Alpha" || set.Unscored[1].Name != "Beta" {
		t.Errorf("skip must preserve discovery order, got %+v", set.Unscored)
	}
}

func TestBuildPromptIncludesContextAndEntities(t *testing.T) {
	req := types.Requirements{
		RoleTitle:          "Data Engineer",
		Seniority:          "senior",
		MustHaveKeywords:   []string{"spark"},
		NiceToHaveKeywords: []string{"airflow"},
		DomainKeywords:     []string{"adtech"},
	}
	batch := entitiesNamed("Acme", "Globex")
	batch[0].Metadata.Industry = "advertising"

	prompt := buildPrompt(batch, req)
	for _, want := range []string{"Data Engineer", "senior", "spark", "airflow", "adtech", "Acme", "Globex", "advertising"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
