package types

import "time"

// PipelineStage identifies a stage of the sourcing pipeline for progress
// reporting.
type PipelineStage string

const (
	StageDiscovery  PipelineStage = "discovery"
	StageResolution PipelineStage = "resolution"
	StageScoring    PipelineStage = "scoring"
	StageSampling   PipelineStage = "sampling"
)

// ProgressPhase is the phase of a stage a progress event describes.
type ProgressPhase string

const (
	PhaseStarted   ProgressPhase = "started"
	PhaseProgress  ProgressPhase = "progress"
	PhaseCompleted ProgressPhase = "completed"
	PhaseFailed    ProgressPhase = "failed"
)

// ProgressEvent is one ordered status event emitted by the pipeline
// orchestrator. Seq increases monotonically within a run so consumers can
// detect reordering or gaps on a lossy transport.
type ProgressEvent struct {
	RunID     string            `json:"run_id"`
	Seq       int               `json:"seq"`
	Stage     PipelineStage     `json:"stage"`
	Phase     ProgressPhase     `json:"phase"`
	Counts    map[string]int    `json:"counts,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// RunCounters aggregates per-run outcome counts across all stages. A run
// that completes with partial failures reports them here rather than
// returning a silent empty result.
type RunCounters struct {
	Discovered   int `json:"discovered"`
	Deduplicated int `json:"deduplicated"`

	Resolved     int `json:"resolved"`
	Unresolved   int `json:"unresolved"`
	ResolveErrs  int `json:"resolve_errors"`
	CacheHits    int `json:"cache_hits"`
	CacheMisses  int `json:"cache_misses"`
	NegativeHits int `json:"negative_hits"`

	ScoredCount   int `json:"scored"`
	UnscoredCount int `json:"unscored"`
	ScoreErrs     int `json:"score_errors"`

	StrategyErrs int `json:"strategy_errors"`
}
