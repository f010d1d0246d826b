package scoring

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/candidata/sourcer/pkg/types"
)

// scoreEntry is one classifier verdict for one entity.
type scoreEntry struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

func (e scoreEntry) valid() bool {
	return e.Score >= MinScore && e.Score <= MaxScore
}

// scoreResponse is the envelope the classifier is instructed to return.
type scoreResponse struct {
	Scores []scoreEntry `json:"scores"`
}

// parseScoreResponse reads classifier output into a map keyed by
// normalized entity name. Strict JSON is tried first; models that wrap
// output in code fences or emit trailing commas go through jsonrepair
// before we give up on the batch.
func parseScoreResponse(raw string) (map[string]scoreEntry, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("scoring: empty response")
	}

	var resp scoreResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("scoring: parse response: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
			return nil, fmt.Errorf("scoring: parse repaired response: %w", err)
		}
	}

	if len(resp.Scores) == 0 {
		return nil, fmt.Errorf("scoring: response contains no scores")
	}

	out := make(map[string]scoreEntry, len(resp.Scores))
	for _, entry := range resp.Scores {
		key := types.NormalizeKey(entry.Name)
		if key == "" {
			continue
		}
		out[key] = entry
	}
	return out, nil
}

// stripCodeFences removes a surrounding markdown code fence, if any.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
