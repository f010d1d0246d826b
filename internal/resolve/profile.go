package resolve

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/candidata/sourcer/internal/retry"
	"github.com/candidata/sourcer/internal/storage"
	"github.com/candidata/sourcer/pkg/types"
)

// FetchProfile returns the full profile document for a stable identifier.
//
// Lookup order: in-process LRU → Tier-2 store (entries older than the
// configured staleness window count as misses) → external profile API.
// Concurrent calls for the same identifier collapse into one external
// fetch; waiters receive the first caller's result. Fetch failures are
// surfaced to the caller and never cached.
func (r *Resolver) FetchProfile(ctx context.Context, stableID string) ([]byte, error) {
	if stableID == "" {
		return nil, &types.ValidationError{Field: "stable_id", Reason: "must not be empty"}
	}

	if payload, ok := r.profileLRU.Get(stableID); ok {
		r.metrics.addProfileHits(1)
		return payload, nil
	}

	result, err, shared := r.fetchGroup.Do(stableID, func() (interface{}, error) {
		return r.fetchProfileKey(ctx, stableID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.metrics.addCoalesced(1)
	}
	return result.([]byte), nil
}

// fetchProfileKey holds the single-flight body: store check with
// staleness, external fetch, write-back.
func (r *Resolver) fetchProfileKey(ctx context.Context, stableID string) ([]byte, error) {
	now := time.Now().UTC()

	entry, err := r.profiles.GetProfile(ctx, stableID)
	switch {
	case err == nil:
		if !entry.Stale(now, r.cfg.ProfileTTL) {
			r.metrics.addProfileHits(1)
			r.profileLRU.Add(stableID, entry.Payload)
			return entry.Payload, nil
		}
		r.metrics.addProfileMisses(1)
	case errors.Is(err, storage.ErrNotFound):
		r.metrics.addProfileMisses(1)
	default:
		log.Printf("resolve: profile read failed for %q: %v", stableID, err)
		r.metrics.addErrors(1)
	}

	var payload []byte
	outcome := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		p, fetchErr := r.fetcher.FetchProfile(ctx, stableID)
		if fetchErr != nil {
			return fetchErr
		}
		payload = p
		return nil
	})
	if outcome.State != retry.StateSucceeded {
		r.metrics.addErrors(1)
		return nil, outcome.Err
	}

	if err := r.profiles.PutProfile(ctx, &storage.ProfileEntry{
		StableID:      stableID,
		Payload:       payload,
		LastFetchedAt: now,
	}); err != nil {
		cacheErr := &types.CacheWriteError{Key: stableID, Err: err}
		log.Printf("resolve: %v", cacheErr)
		r.metrics.addErrors(1)
	}

	r.profileLRU.Add(stableID, payload)
	return payload, nil
}
