package resolve

import "sync/atomic"

// Metrics tracks cache behavior across a resolver's lifetime. Counters
// are atomic so concurrent pipeline sub-tasks can bump them without a
// lock.
type Metrics struct {
	hits          atomic.Int64
	misses        atomic.Int64
	errors        atomic.Int64
	negativeHits  atomic.Int64
	profileHits   atomic.Int64
	profileMisses atomic.Int64
	coalesced     atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters, consumed by
// the pipeline orchestrator for progress reporting and cost accounting.
type MetricsSnapshot struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Errors        int64 `json:"errors"`
	NegativeHits  int64 `json:"negative_hits"`
	ProfileHits   int64 `json:"profile_hits"`
	ProfileMisses int64 `json:"profile_misses"`
	Coalesced     int64 `json:"coalesced"`
}

func (m *Metrics) addHits(n int64)          { m.hits.Add(n) }
func (m *Metrics) addMisses(n int64)        { m.misses.Add(n) }
func (m *Metrics) addErrors(n int64)        { m.errors.Add(n) }
func (m *Metrics) addNegativeHits(n int64)  { m.negativeHits.Add(n) }
func (m *Metrics) addProfileHits(n int64)   { m.profileHits.Add(n) }
func (m *Metrics) addProfileMisses(n int64) { m.profileMisses.Add(n) }
func (m *Metrics) addCoalesced(n int64)     { m.coalesced.Add(n) }

// Snapshot returns a consistent copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Errors:        m.errors.Load(),
		NegativeHits:  m.negativeHits.Load(),
		ProfileHits:   m.profileHits.Load(),
		ProfileMisses: m.profileMisses.Load(),
		Coalesced:     m.coalesced.Load(),
	}
}
