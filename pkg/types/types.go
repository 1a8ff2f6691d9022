// Package types holds the data structures shared between the mediacache
// subsystems.
package types

import (
	"time"
)

// ResourceType classifies an intercepted request by its URL/request shape.
type ResourceType string

const (
	ResourceStatic   ResourceType = "static"
	ResourceAPI      ResourceType = "api"
	ResourceImage    ResourceType = "image"
	ResourceExternal ResourceType = "external"
)

// Priority tags a cache entry for diagnostics and sweep ordering.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// CacheStats represents cache performance statistics for one tier.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// TierStatus describes one tier for the GET_STATUS control reply.
type TierStatus struct {
	Name    string     `json:"name"`
	Version int        `json:"version"`
	Entries int        `json:"entries"`
	Stats   CacheStats `json:"stats"`
}

// CandidateKind names the heuristic that produced a prefetch candidate.
type CandidateKind string

const (
	CandidateSimilar         CandidateKind = "similar"
	CandidateRecommendations CandidateKind = "recommendations"
	CandidateGenre           CandidateKind = "genre"
	CandidateSeasonal        CandidateKind = "seasonal"
	CandidateTimeOfDay       CandidateKind = "time-of-day"
)

// CandidateSource records whether a candidate can be fetched live or only
// served from what is already cached.
type CandidateSource string

const (
	SourceLive   CandidateSource = "live"
	SourceCached CandidateSource = "cached"
)

// PrefetchCandidate is a speculative resource identified as likely to be
// requested next. Candidates are transient: produced and consumed within a
// single prefetch pass.
type PrefetchCandidate struct {
	Kind        CandidateKind   `json:"kind"`
	TargetID    string          `json:"target_id"`
	ResolvedURL string          `json:"resolved_url"`
	Confidence  float64         `json:"confidence"`
	Source      CandidateSource `json:"source"`
}

// DedupKey is the predictive-tier identity of a candidate: two candidates
// with the same kind and target resolve to the same cached resource.
func (c PrefetchCandidate) DedupKey() string {
	return string(c.Kind) + ":" + c.TargetID
}

// SyncQueueItem is one durably recorded offline action. It exists in the
// queue exactly until its action is confirmed applied server-side, and is
// never mutated in place.
type SyncQueueItem struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Credentials is the opaque secret the prefetch engine attaches to live
// prediction calls. The zero value is the documented "absent" state: the
// engine then falls back to cached-only prediction.
type Credentials struct {
	Token string `json:"token"`
}

// Present reports whether a usable credential has been configured.
func (c Credentials) Present() bool {
	return c.Token != ""
}

// EngineStatus is the full GET_STATUS diagnostic reply.
type EngineStatus struct {
	Tiers          []TierStatus `json:"tiers"`
	QueueDepth     int          `json:"queue_depth"`
	HasCredentials bool         `json:"has_credentials"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
}
