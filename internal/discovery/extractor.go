package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/candidata/sourcer/internal/llm"
)

// extractionPrompt instructs the classifier to pull organization names
// out of search hits. The response contract is strict JSON; the parser
// still repairs minor damage because models add prose despite
// instructions.
const extractionPrompt = `You are extracting company names from web search results.

Search query: %q

Results:
%s

Return ONLY a JSON object of the form {"companies": ["Name", ...]} listing
every distinct company or organization name these results mention as an
answer to the query. Order names by the result they first appear in. Do
not include the query's own subject company, products, or people.`

// extractionResponse is the expected classifier output shape.
type extractionResponse struct {
	Companies []string `json:"companies"`
}

// LLMExtractor implements CandidateExtractor on top of the classifier.
type LLMExtractor struct {
	classifier llm.Classifier
}

// NewLLMExtractor creates a classifier-backed candidate extractor.
func NewLLMExtractor(classifier llm.Classifier) *LLMExtractor {
	return &LLMExtractor{classifier: classifier}
}

// ExtractNames sends the hits to the classifier and parses the returned
// name list. Names are trimmed; blanks are dropped.
func (e *LLMExtractor) ExtractNames(ctx context.Context, query string, hits []SearchHit) ([]string, error) {
	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. %s — %s (%s)\n", i+1, hit.Title, hit.Snippet, hit.URL)
	}

	raw, err := e.classifier.Classify(ctx, fmt.Sprintf(extractionPrompt, query, b.String()))
	if err != nil {
		return nil, err
	}

	parsed, err := parseExtractionResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to parse extraction response: %w", err)
	}

	names := make([]string, 0, len(parsed.Companies))
	for _, name := range parsed.Companies {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// parseExtractionResponse decodes the classifier output, repairing
// malformed JSON (markdown fences, trailing commas, stray prose) before
// the strict parse.
func parseExtractionResponse(raw string) (*extractionResponse, error) {
	cleaned := stripCodeFences(raw)

	var resp extractionResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err == nil {
		return &resp, nil
	}

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return nil, fmt.Errorf("unrepairable JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// stripCodeFences removes markdown code block markers the model may wrap
// its JSON in.
func stripCodeFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}
