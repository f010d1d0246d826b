package query

import (
	"errors"
	"reflect"
	"strconv"
	"testing"

	"github.com/candidata/sourcer/pkg/types"
)

func TestCompileRejectsEmptyEntityList(t *testing.T) {
	for _, ids := range [][]string{nil, {}, {"", "  "}} {
		_, err := Compile(FilterRequest{RequiredEntityIDs: ids})
		if !errors.Is(err, types.ErrInvalidFilter) {
			t.Errorf("ids=%v: expected ErrInvalidFilter, got %v", ids, err)
		}
	}
}

func TestCompileMembershipIsTheOnlyMust(t *testing.T) {
	q, err := Compile(FilterRequest{
		RequiredEntityIDs: []string{"org-1", "org-2"},
		Keyword:           "ml engineer",
		Location:          "Berlin",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if len(q.Query.Must) != 1 {
		t.Fatalf("optional clauses leaked into MUST: %d must clauses", len(q.Query.Must))
	}
	if len(q.Query.Should) != 2 {
		t.Fatalf("expected keyword and location in SHOULD, got %d clauses", len(q.Query.Should))
	}
	if q.Query.MinimumShouldMatch == nil || *q.Query.MinimumShouldMatch != 0 {
		t.Errorf("outer minimum_should_match must be an explicit 0 when SHOULD is populated")
	}

	group := q.Query.Must[0].Bool
	if group == nil {
		t.Fatal("membership clause must be a bool group")
	}
	if group.MinimumShouldMatch == nil || *group.MinimumShouldMatch != 1 {
		t.Error("membership group needs minimum_should_match=1")
	}
	if len(group.Should) != 1 {
		t.Fatalf("two IDs fit one chunk, got %d chunks", len(group.Should))
	}
	nested := group.Should[0].Nested
	if nested == nil || nested.Path != DefaultWorkHistoryPath {
		t.Fatalf("membership terms must be nested under %q, got %+v", DefaultWorkHistoryPath, group.Should[0])
	}
	got := nested.Query.Terms[DefaultCompanyIDField]
	if !reflect.DeepEqual(got, []string{"org-1", "org-2"}) {
		t.Errorf("unexpected terms ids: %v", got)
	}
}

func TestCompileRequiredFlagsMoveClausesToMust(t *testing.T) {
	q, err := Compile(FilterRequest{
		RequiredEntityIDs: []string{"org-1"},
		Keyword:           "data engineer",
		KeywordRequired:   true,
		Location:          "London",
		LocationRequired:  true,
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if len(q.Query.Must) != 3 {
		t.Fatalf("expected membership + keyword + location in MUST, got %d", len(q.Query.Must))
	}
	if len(q.Query.Should) != 0 {
		t.Fatalf("nothing should remain in SHOULD, got %d", len(q.Query.Should))
	}
	if q.Query.MinimumShouldMatch != nil {
		t.Error("minimum_should_match must be omitted when SHOULD is empty")
	}
}

func TestCompileChunksEntityIDs(t *testing.T) {
	ids := make([]string, 0, 250)
	for i := 0; i < 250; i++ {
		ids = append(ids, "org-"+strconv.Itoa(i))
	}

	q, err := Compile(FilterRequest{RequiredEntityIDs: ids})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	group := q.Query.Must[0].Bool
	if len(group.Should) != 3 {
		t.Fatalf("250 ids at chunk size 100 should produce 3 chunks, got %d", len(group.Should))
	}
	total := 0
	for _, c := range group.Should {
		total += len(c.Nested.Query.Terms[DefaultCompanyIDField])
	}
	if total != 250 {
		t.Errorf("ids lost in chunking: %d of 250", total)
	}
}

func TestCompileDeduplicatesAndTrimsIDs(t *testing.T) {
	q, err := Compile(FilterRequest{
		RequiredEntityIDs: []string{" org-1 ", "org-2", "org-1", "", "org-2"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	got := q.Query.Must[0].Bool.Should[0].Nested.Query.Terms[DefaultCompanyIDField]
	want := []string{"org-1", "org-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected deduplicated ordered ids %v, got %v", want, got)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	req := FilterRequest{
		RequiredEntityIDs: []string{"org-3", "org-1", "org-2"},
		Keyword:           "sre",
		Location:          "remote",
	}

	first, err := Compile(req)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	a, err := first.MarshalCompact()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	for i := 0; i < 5; i++ {
		next, err := Compile(req)
		if err != nil {
			t.Fatalf("compile #%d: %v", i, err)
		}
		b, err := next.MarshalCompact()
		if err != nil {
			t.Fatalf("marshal #%d: %v", i, err)
		}
		if a != b {
			t.Fatalf("compilation is not deterministic:\n%s\n%s", a, b)
		}
	}
}

func TestCompileRoundTripsThroughPersistence(t *testing.T) {
	q, err := Compile(FilterRequest{
		RequiredEntityIDs: []string{"org-1"},
		Keyword:           "backend engineer",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	raw, err := q.MarshalCompact()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := types.UnmarshalCompiledQuery(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	again, err := restored.MarshalCompact()
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if raw != again {
		t.Errorf("persistence round trip changed the query:\n%s\n%s", raw, again)
	}
	if restored.Query.MinimumShouldMatch == nil || *restored.Query.MinimumShouldMatch != 0 {
		t.Error("explicit minimum_should_match=0 must survive persistence")
	}
}
