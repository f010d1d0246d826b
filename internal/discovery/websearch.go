package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/candidata/sourcer/pkg/types"
)

// HTTPSearchProvider calls an external web-search API for discovery
// queries. Rate limited; failures are classified so the aggregator's
// per-query error handling can tell retryable faults from rejections.
type HTTPSearchProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSearchProvider creates a provider for the given endpoint.
func NewHTTPSearchProvider(baseURL, apiKey string) *HTTPSearchProvider {
	return &HTTPSearchProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 20 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
}

// searchProviderResponse is the provider's wire format.
type searchProviderResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Search runs one text query and returns up to limit hits.
func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s?q=%s&limit=%s",
		p.baseURL, url.QueryEscape(query), strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build search request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &types.TransientError{Op: "discovery.Search", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &types.TransientError{Op: "discovery.Search", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &types.TransientError{
			Op:  "discovery.Search",
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	default:
		return nil, &types.PermanentError{
			Op:  "discovery.Search",
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var decoded searchProviderResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &types.TransientError{
			Op:  "discovery.Search",
			Err: fmt.Errorf("decode response: %w", err),
		}
	}

	hits := make([]SearchHit, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		hits = append(hits, SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
		})
	}
	return hits, nil
}

var _ TextSearchProvider = (*HTTPSearchProvider)(nil)
