// Package search provides the client for the external person-search
// backend that executes compiled boolean queries. The backend is
// modeled as a small interface so the session manager and engine can be
// tested against an in-memory implementation.
package search

import (
	"context"

	"github.com/candidata/sourcer/pkg/types"
)

// PageResult is one page of raw backend results, pre-deduplication.
type PageResult struct {
	// Records are the person documents on this page, in backend order.
	Records []types.PersonRecord

	// TotalEstimate is the backend's estimate of total matching
	// documents for the query.
	TotalEstimate int
}

// Backend executes a compiled query against the person-search service.
//
// page is 0-indexed; size is the requested page size. Implementations
// classify failures using the shared error taxonomy: transient faults
// (timeouts, throttling, 5xx) come back as *types.TransientError so
// callers may retry, while a rejected query is a *types.PermanentError.
type Backend interface {
	Execute(ctx context.Context, q *types.BoolQuery, page, size int) (*PageResult, error)
}
