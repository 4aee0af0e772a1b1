package metrics

import (
	"sync"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const defaultLearningWindow = 512

// ActionStats summarizes settled rewards for one decision action.
type ActionStats struct {
	Count     int64   `json:"count"`
	AvgReward float64 `json:"avg_reward"`
}

// LearningSummary is a point-in-time view of how the policy is doing.
// Prometheus carries the cumulative counters; this answers whether the
// policy is improving right now.
type LearningSummary struct {
	WindowSize        int                    `json:"window_size"`
	SamplesInWindow   int                    `json:"samples_in_window"`
	RecentAvgReward   float64                `json:"recent_avg_reward"`
	RecentHitRate     float64                `json:"recent_hit_rate"`
	RewardTrend       float64                `json:"reward_trend"`
	LifetimeAvgReward float64                `json:"lifetime_avg_reward"`
	TotalSettled      int64                  `json:"total_settled"`
	ActionBreakdown   map[string]ActionStats `json:"action_breakdown"`
	Uptime            time.Duration          `json:"uptime"`
}

// LearningTracker keeps a sliding window of settled reward signals.
type LearningTracker struct {
	mu     sync.RWMutex
	window int

	rewards []float64
	hits    []bool
	next    int
	filled  int

	totalSettled int64
	totalReward  float64
	actionCount  map[types.Action]int64
	actionReward map[types.Action]float64
	startTime    time.Time
}

// NewLearningTracker creates a tracker with the given window size.
// A non-positive window falls back to the default.
func NewLearningTracker(window int) *LearningTracker {
	if window <= 0 {
		window = defaultLearningWindow
	}
	return &LearningTracker{
		window:       window,
		rewards:      make([]float64, window),
		hits:         make([]bool, window),
		actionCount:  make(map[types.Action]int64),
		actionReward: make(map[types.Action]float64),
		startTime:    time.Now(),
	}
}

// Observe records one settled reward signal.
func (t *LearningTracker) Observe(action types.Action, outcome types.Outcome, reward float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rewards[t.next] = reward
	t.hits[t.next] = outcome == types.OutcomeHit
	t.next = (t.next + 1) % t.window
	if t.filled < t.window {
		t.filled++
	}

	t.totalSettled++
	t.totalReward += reward
	t.actionCount[action]++
	t.actionReward[action] += reward
}

// Summary computes the current sliding-window statistics.
func (t *LearningTracker) Summary() LearningSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := LearningSummary{
		WindowSize:      t.window,
		SamplesInWindow: t.filled,
		TotalSettled:    t.totalSettled,
		ActionBreakdown: make(map[string]ActionStats, len(t.actionCount)),
		Uptime:          time.Since(t.startTime),
	}
	if t.totalSettled > 0 {
		summary.LifetimeAvgReward = t.totalReward / float64(t.totalSettled)
	}

	for action, count := range t.actionCount {
		stats := ActionStats{Count: count}
		if count > 0 {
			stats.AvgReward = t.actionReward[action] / float64(count)
		}
		summary.ActionBreakdown[action.String()] = stats
	}

	if t.filled == 0 {
		return summary
	}

	var sum float64
	var hitCount int
	for i := 0; i < t.filled; i++ {
		idx := t.chronoIndex(i)
		sum += t.rewards[idx]
		if t.hits[idx] {
			hitCount++
		}
	}
	summary.RecentAvgReward = sum / float64(t.filled)
	summary.RecentHitRate = float64(hitCount) / float64(t.filled)

	// Trend compares the newer half of the window against the older half.
	if t.filled >= 4 {
		half := t.filled / 2
		var older, newer float64
		for i := 0; i < half; i++ {
			older += t.rewards[t.chronoIndex(i)]
		}
		for i := t.filled - half; i < t.filled; i++ {
			newer += t.rewards[t.chronoIndex(i)]
		}
		summary.RewardTrend = newer/float64(half) - older/float64(half)
	}
	return summary
}

// Reset clears all tracked state and restarts the uptime clock.
func (t *LearningTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next = 0
	t.filled = 0
	t.totalSettled = 0
	t.totalReward = 0
	t.actionCount = make(map[types.Action]int64)
	t.actionReward = make(map[types.Action]float64)
	t.startTime = time.Now()
}

// chronoIndex maps a chronological offset (0 = oldest sample in the
// window) to its ring buffer slot. Callers hold the lock.
func (t *LearningTracker) chronoIndex(i int) int {
	return ((t.next-t.filled+i)%t.window + t.window) % t.window
}
