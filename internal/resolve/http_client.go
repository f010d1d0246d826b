package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/candidata/sourcer/pkg/types"
)

// HTTPClient talks to the paid enrichment API that backs both resolution
// tiers: name→identifier matching and identifier→profile documents. One
// circuit breaker and one rate limiter protect the whole surface since
// the quota is shared.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPClient creates the enrichment API client.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "enrichment-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("resolve: circuit breaker %s: %s -> %s", name, from, to)
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(3), 1),
	}
}

// matchResponse is the wire format of a name-match result.
type matchResponse struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Industry   string  `json:"industry"`
	Size       string  `json:"size"`
	Location   string  `json:"location"`
	Website    string  `json:"website"`
}

// Lookup resolves a raw name using one tier. The tier maps to the API's
// match strategy parameter.
func (c *HTTPClient) Lookup(ctx context.Context, tier Tier, name string) (*Match, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/match?strategy=%s&name=%s",
		c.baseURL, url.QueryEscape(string(tier)), url.QueryEscape(name)))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNoMatch
	}

	var decoded matchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &types.TransientError{
			Op:  "resolve.Lookup",
			Err: fmt.Errorf("decode response: %w", err),
		}
	}
	if decoded.ID == "" {
		return nil, ErrNoMatch
	}

	return &Match{
		StableID:   decoded.ID,
		Confidence: decoded.Confidence,
		Metadata: types.EntityMetadata{
			Industry: decoded.Industry,
			Size:     decoded.Size,
			Location: decoded.Location,
			Website:  decoded.Website,
		},
	}, nil
}

// FetchProfile retrieves the full profile document for a stable
// identifier. The raw payload is returned as-is for Tier-2 caching.
func (c *HTTPClient) FetchProfile(ctx context.Context, stableID string) ([]byte, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/profile/%s", c.baseURL, url.PathEscape(stableID)))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, &types.PermanentError{
			Op:  "resolve.FetchProfile",
			Err: fmt.Errorf("no profile for %s", stableID),
		}
	}
	return body, nil
}

// get performs one rate-limited, breaker-guarded GET. A 404 returns
// (nil, nil) so callers can map it to their own no-match semantics.
func (c *HTTPClient) get(ctx context.Context, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("resolve: build request: %w", err)
		}
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, &types.TransientError{Op: "resolve.get", Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, &types.TransientError{Op: "resolve.get", Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return []byte(nil), nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, &types.TransientError{
				Op:  "resolve.get",
				Err: fmt.Errorf("status %d", resp.StatusCode),
			}
		default:
			return nil, &types.PermanentError{
				Op:  "resolve.get",
				Err: fmt.Errorf("status %d", resp.StatusCode),
			}
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &types.TransientError{Op: "resolve.get", Err: err}
		}
		return nil, err
	}
	return res.([]byte), nil
}

var (
	_ ExternalResolver = (*HTTPClient)(nil)
	_ ProfileFetcher   = (*HTTPClient)(nil)
)
