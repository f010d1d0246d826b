package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/candidata/sourcer/pkg/types"
)

// OpenAIConfig holds configuration for the OpenAI-backed classifier.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini
	BaseURL string        // optional custom endpoint
	Timeout time.Duration // per-call timeout, default: 30s
}

// OpenAIClassifier implements Classifier using the OpenAI chat
// completions API via sashabaranov/go-openai, wrapped in a circuit
// breaker so a degraded endpoint fails fast instead of stalling whole
// scoring batches.
type OpenAIClassifier struct {
	cfg            OpenAIConfig
	client         *openai.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIClassifier creates a new OpenAI classifier with the given
// configuration.
func NewOpenAIClassifier(cfg OpenAIConfig) *OpenAIClassifier {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClassifier{
		cfg:            cfg,
		client:         openai.NewClientWithConfig(clientCfg),
		circuitBreaker: NewCircuitBreaker(),
	}
}

// Classify sends a single-turn prompt and returns the raw response text.
// Transport and timeout failures come back as TransientError so the
// retry layer knows they are worth another attempt; an open circuit is
// transient too (the endpoint may recover within the cooldown).
func (c *OpenAIClassifier) Classify(ctx context.Context, prompt string) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.classify(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", &types.TransientError{Op: "classifier", Err: err}
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OpenAIClassifier) classify(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		// Request errors with a 4xx status are the caller's fault and
		// retrying cannot fix them.
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
			return "", &types.PermanentError{Op: "classifier", Err: err}
		}
		return "", &types.TransientError{Op: "classifier", Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &types.TransientError{Op: "classifier", Err: errors.New("empty response")}
	}

	return resp.Choices[0].Message.Content, nil
}

// GetModel returns the configured model name.
func (c *OpenAIClassifier) GetModel() string {
	return c.cfg.Model
}

// BreakerState exposes the circuit state for health reporting.
func (c *OpenAIClassifier) BreakerState() string {
	return c.circuitBreaker.State()
}

var _ Classifier = (*OpenAIClassifier)(nil)

// MockClassifier is a test double that replays canned responses in order.
type MockClassifier struct {
	Responses []string
	Errs      []error
	Calls     int
	Prompts   []string
}

// Classify returns the next canned response (or error) in sequence. The
// last response repeats once the script runs out.
func (m *MockClassifier) Classify(_ context.Context, prompt string) (string, error) {
	i := m.Calls
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)

	if i < len(m.Errs) && m.Errs[i] != nil {
		return "", m.Errs[i]
	}
	if len(m.Responses) == 0 {
		return "", fmt.Errorf("mock classifier: no responses configured")
	}
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	return m.Responses[i], nil
}

// GetModel identifies the mock in logs.
func (m *MockClassifier) GetModel() string { return "mock" }

var _ Classifier = (*MockClassifier)(nil)
