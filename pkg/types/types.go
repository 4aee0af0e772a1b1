package types

import (
	"fmt"
	"time"
)

// EventKind identifies the operation carried by an access event.
type EventKind int

const (
	// KindRead is a read access.
	KindRead EventKind = iota
	// KindWrite is a write access.
	KindWrite
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Outcome is the definite result of a submitted request.
type Outcome int

const (
	// OutcomeMiss means the key was not resident when the request arrived.
	OutcomeMiss Outcome = iota
	// OutcomeHit means the key was served from the cache.
	OutcomeHit
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	if o == OutcomeHit {
		return "hit"
	}
	return "miss"
}

// Action enumerates the decisions the policy can take for an access event.
type Action int

const (
	// ActionAdmit inserts the missed key into the cache.
	ActionAdmit Action = iota
	// ActionReject leaves the missed key out of the cache.
	ActionReject
	// ActionEvict removes a resident key to free capacity.
	ActionEvict
	// ActionKeep promotes an already-resident key on a hit.
	ActionKeep
)

// String returns the string representation of the action
func (a Action) String() string {
	switch a {
	case ActionAdmit:
		return "admit"
	case ActionReject:
		return "reject"
	case ActionEvict:
		return "evict"
	case ActionKeep:
		return "keep"
	default:
		return "unknown"
	}
}

// RawRequest is the loosely-shaped request accepted by the tracer. Key must
// identify the accessed item (block workloads go through BlockRequest); Time
// is assigned by the tracer when zero, Kind accepts common aliases.
type RawRequest struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	Size    int64     `json:"size"`
	Payload []byte    `json:"-"`
	Time    time.Time `json:"time"`
}

// BlockKey formats a block number as a canonical cache key
func BlockKey(block int64) string {
	return fmt.Sprintf("block:%012d", block)
}

// BlockRequest builds a RawRequest for a block-addressed access.
func BlockRequest(block int64, kind string, size int64) RawRequest {
	return RawRequest{Key: BlockKey(block), Kind: kind, Size: size}
}

// AccessEvent is the canonical normalized access record. Immutable once
// recorded by the tracer.
type AccessEvent struct {
	RequestID string    `json:"request_id"`
	Key       string    `json:"key"`
	Sequence  uint64    `json:"sequence"`
	Time      time.Time `json:"time"`
	Kind      EventKind `json:"kind"`
	Size      int64     `json:"size"`
	Payload   []byte    `json:"-"`
}

// KeyFeatures is the per-key rolling statistics record maintained by the
// feature aggregator. InterArrivalEMA is +Inf until a second access arrives.
type KeyFeatures struct {
	Key             string    `json:"key"`
	LastSeen        uint64    `json:"last_seen"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	AccessCount     uint64    `json:"access_count"`
	InterArrivalEMA float64   `json:"inter_arrival_ema"`
	PredictedScore  float64   `json:"predicted_score"`
	SizeEMA         float64   `json:"size_ema"`
	WriteRatio      float64   `json:"write_ratio"`
}

// CacheEntry describes a resident cache entry. The payload itself stays
// inside the store; this is the metadata view.
type CacheEntry struct {
	Key           string    `json:"key"`
	Size          int64     `json:"size"`
	InsertionTime time.Time `json:"insertion_time"`
	LastAccess    time.Time `json:"last_access"`
	LastSequence  uint64    `json:"last_sequence"`
	HitCount      uint64    `json:"hit_count"`
	Dirty         bool      `json:"dirty"`
	Prefetched    bool      `json:"prefetched"`
}

// Decision is the action selected for one access event. Bucket records the
// policy's feature bucket at decision time so the reward update applies to
// the same estimate that produced the decision.
type Decision struct {
	RequestID  string  `json:"request_id"`
	Key        string  `json:"key"`
	Action     Action  `json:"action"`
	VictimKey  string  `json:"victim_key,omitempty"`
	Confidence float64 `json:"confidence"`
	Bucket     string  `json:"bucket,omitempty"`
	Sequence   uint64  `json:"sequence"`
}

// RewardSignal is the settled outcome for one decision. Produced exactly
// once per decision, consumed by the policy update, then discarded.
type RewardSignal struct {
	RequestID    string        `json:"request_id"`
	Key          string        `json:"key"`
	Action       Action        `json:"action"`
	Bucket       string        `json:"bucket"`
	Outcome      Outcome       `json:"outcome"`
	Reward       float64       `json:"reward"`
	LatencyDelta time.Duration `json:"latency_delta"`
}

// Result is the definite outcome returned for every well-formed request.
type Result struct {
	RequestID       string        `json:"request_id"`
	Outcome         Outcome       `json:"outcome"`
	LatencyEstimate time.Duration `json:"latency_estimate"`
	Prefetched      bool          `json:"prefetched"`
}

// Prediction pairs a candidate key with its predicted re-access score
type Prediction struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
}

// EvictionCandidate is a resident key offered to the policy during victim
// selection. Features is nil when the aggregator has no record for the key.
type EvictionCandidate struct {
	Key        string
	LastAccess time.Time
	Sequence   uint64
	Features   *KeyFeatures
}

// PolicyState is the exportable learned state of the adaptive policy:
// the value table keyed by "bucket|action" plus the exploration parameters.
type PolicyState struct {
	Values      map[string]float64 `json:"values"`
	Exploration float64            `json:"exploration"`
	Updates     uint64             `json:"updates"`
}

// CacheStats represents cache shard performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Capacity    int     `json:"capacity"`
	Bytes       int64   `json:"bytes"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// Metrics is the engine-level telemetry snapshot returned by SnapshotMetrics
type Metrics struct {
	TotalRequests    uint64        `json:"total_requests"`
	TotalHits        uint64        `json:"total_hits"`
	TotalMisses      uint64        `json:"total_misses"`
	HitRate          float64       `json:"hit_rate"`
	AvgLatency       time.Duration `json:"avg_latency"`
	PatternsLearned  int           `json:"patterns_learned"`
	PrefetchIssued   uint64        `json:"prefetch_issued"`
	PrefetchFills    uint64        `json:"prefetch_fills"`
	PrefetchHits     uint64        `json:"prefetch_hits"`
	PrefetchAccuracy float64       `json:"prefetch_accuracy"`
	Evictions        uint64        `json:"evictions"`
	Occupancy        int           `json:"occupancy"`
	Capacity         int           `json:"capacity"`
	FeaturesTracked  int           `json:"features_tracked"`
	ExplorationRate  float64       `json:"exploration_rate"`
	RewardsSettled   uint64        `json:"rewards_settled"`
	Shards           int           `json:"shards"`
}
