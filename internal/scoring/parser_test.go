package scoring

import "testing"

func TestParseScoreResponseStrictJSON(t *testing.T) {
	raw := `{"scores": [{"name": "Acme Corp", "score": 8, "rationale": "strong match"}]}`
	scores, err := parseScoreResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entry, ok := scores["acme corp"]
	if !ok {
		t.Fatalf("expected entry under normalized key, got %v", scores)
	}
	if entry.Score != 8 || entry.Rationale != "strong match" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestParseScoreResponseCodeFences(t *testing.T) {
	for _, raw := range []string{
		"```json\n{\"scores\": [{\"name\": \"Acme\", \"score\": 5}]}\n```",
		"```\n{\"scores\": [{\"name\": \"Acme\", \"score\": 5}]}\n```",
	} {
		scores, err := parseScoreResponse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if _, ok := scores["acme"]; !ok {
			t.Errorf("fenced response not parsed: %q", raw)
		}
	}
}

func TestParseScoreResponseRepairsSloppyJSON(t *testing.T) {
	// Trailing comma and single quotes, the two most common model slips.
	raw := `{'scores': [{'name': 'Acme', 'score': 7, 'rationale': 'ok'},]}`
	scores, err := parseScoreResponse(raw)
	if err != nil {
		t.Fatalf("repairable response rejected: %v", err)
	}
	if entry := scores["acme"]; entry.Score != 7 {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestParseScoreResponseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"Sorry, I can't help with that.",
		`{"scores": []}`,
	} {
		if _, err := parseScoreResponse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestScoreEntryValid(t *testing.T) {
	cases := []struct {
		score float64
		want  bool
	}{
		{1, true}, {10, true}, {5.5, true},
		{0, false}, {11, false}, {-3, false},
	}
	for _, c := range cases {
		e := scoreEntry{Name: "x", Score: c.score}
		if e.valid() != c.want {
			t.Errorf("valid(%v) = %v, want %v", c.score, e.valid(), c.want)
		}
	}
}
