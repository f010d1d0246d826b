// Package llm provides the external-classifier transport used by the
// relevance-scoring stage, protected by a circuit breaker.
package llm

import "context"

// Classifier is the narrow interface the scoring stage depends on. It
// sends one prompt and returns the raw response text; prompt construction
// and response parsing belong to the caller.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
	GetModel() string
}
