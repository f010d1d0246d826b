package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/candidata/sourcer/internal/retry"
	"github.com/candidata/sourcer/pkg/types"
)

// HTTPConfig configures the HTTP search backend client.
type HTTPConfig struct {
	// BaseURL is the search endpoint, e.g. "https://api.example.com/v1/person/search".
	BaseURL string

	// APIKey is sent as the X-Api-Key header.
	APIKey string

	// RequestTimeout bounds a single HTTP round trip. Defaults to 30s.
	RequestTimeout time.Duration

	// RequestsPerSecond limits outbound call rate. Defaults to 5.
	RequestsPerSecond float64

	// Retry governs transient-failure retries. Zero value uses defaults.
	Retry retry.Policy
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

// HTTPBackend executes compiled queries over HTTP. Calls are rate
// limited, wrapped in a circuit breaker, and retried on transient
// failures. A 4xx rejection of a compiled query is permanent: the query
// is logged in full so the bad compilation can be diagnosed.
type HTTPBackend struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPBackend creates the HTTP search client.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	cfg = cfg.withDefaults()
	return &HTTPBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "search-backend",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Printf("search: circuit breaker %s: %s -> %s", name, from, to)
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// searchRequest is the wire format of a query execution request.
type searchRequest struct {
	Query searchQuery `json:"query"`
	From  int         `json:"from"`
	Size  int         `json:"size"`
}

type searchQuery struct {
	Bool *types.BoolQuery `json:"bool"`
}

// searchHit is one raw document from the backend.
type searchHit struct {
	ID     string                 `json:"id"`
	Source map[string]interface{} `json:"source"`
}

// searchResponse is the wire format of a query execution response.
type searchResponse struct {
	Total int         `json:"total"`
	Hits  []searchHit `json:"hits"`
}

// Execute runs one page of the compiled query against the backend.
func (b *HTTPBackend) Execute(ctx context.Context, q *types.BoolQuery, page, size int) (*PageResult, error) {
	if q == nil {
		return nil, &types.ValidationError{Field: "query", Reason: "must not be nil"}
	}
	if size <= 0 {
		return nil, &types.ValidationError{Field: "size", Reason: "must be positive"}
	}
	if page < 0 {
		return nil, &types.ValidationError{Field: "page", Reason: "must not be negative"}
	}

	body, err := json.Marshal(searchRequest{
		Query: searchQuery{Bool: q},
		From:  page * size,
		Size:  size,
	})
	if err != nil {
		return nil, fmt.Errorf("search: marshal request: %w", err)
	}

	var result *PageResult
	outcome := retry.Do(ctx, b.cfg.Retry, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := b.breaker.Execute(func() (interface{}, error) {
			return b.doRequest(ctx, body)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &types.TransientError{Op: "search.Execute", Err: err}
			}
			return err
		}
		result = res.(*PageResult)
		return nil
	})
	if outcome.State != retry.StateSucceeded {
		if types.IsPermanent(outcome.Err) {
			// The compiled query itself was rejected; log it in full so
			// the compilation bug can be found from the server logs.
			log.Printf("search: backend rejected query: %v query=%s", outcome.Err, string(body))
		}
		return nil, outcome.Err
	}
	return result, nil
}

// doRequest performs one HTTP round trip and classifies the outcome.
func (b *HTTPBackend) doRequest(ctx context.Context, body []byte) (*PageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &types.TransientError{Op: "search.Execute", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &types.TransientError{Op: "search.Execute", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &types.TransientError{
			Op:  "search.Execute",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 512)),
		}
	default:
		return nil, &types.PermanentError{
			Op:  "search.Execute",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 512)),
		}
	}

	var decoded searchResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &types.TransientError{
			Op:  "search.Execute",
			Err: fmt.Errorf("decode response: %w", err),
		}
	}

	records := make([]types.PersonRecord, 0, len(decoded.Hits))
	for _, hit := range decoded.Hits {
		rec, ok := decodeRecord(hit)
		if !ok {
			log.Printf("search: dropping hit without usable id")
			continue
		}
		records = append(records, rec)
	}
	return &PageResult{Records: records, TotalEstimate: decoded.Total}, nil
}

// decodeRecord validates one raw hit into a PersonRecord. Fields the
// source document omits get their declared defaults ("" for strings,
// nil for slices); a hit with no identifier is dropped, since nothing
// downstream can deduplicate it.
func decodeRecord(hit searchHit) (types.PersonRecord, bool) {
	if hit.ID == "" {
		return types.PersonRecord{}, false
	}
	rec := types.PersonRecord{
		RecordID: hit.ID,
		Payload:  hit.Source,
	}
	rec.FullName = stringField(hit.Source, "full_name")
	rec.Title = stringField(hit.Source, "job_title")
	rec.Location = stringField(hit.Source, "location_name")
	rec.CompanyIDs = companyIDs(hit.Source)
	return rec, true
}

func stringField(src map[string]interface{}, key string) string {
	if src == nil {
		return ""
	}
	if v, ok := src[key].(string); ok {
		return v
	}
	return ""
}

// companyIDs walks experience[].company.id in the raw document.
func companyIDs(src map[string]interface{}) []string {
	if src == nil {
		return nil
	}
	exp, ok := src["experience"].([]interface{})
	if !ok {
		return nil
	}
	var ids []string
	for _, e := range exp {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		company, ok := entry["company"].(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := company["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

var _ Backend = (*HTTPBackend)(nil)
