// Package feature maintains the per-key rolling statistics that feed the
// sequence predictor and the adaptive policy.
package feature

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const (
	// DefaultDecay is the EMA decay constant applied to inter-arrival,
	// size, and write-ratio statistics.
	DefaultDecay = 0.2

	// infSentinel encodes +Inf inter-arrival EMAs in exported snapshots,
	// where IEEE infinities cannot be represented in JSON.
	infSentinel = -1.0
)

// Aggregator owns the KeyFeatures table. Records are created on first sight
// with access_count=0, inter_arrival_ema=+Inf, predicted_score=0, then
// updated on every event. The table is the only unbounded structure in the
// engine and is kept in check by EvictStale.
type Aggregator struct {
	mu       sync.RWMutex
	features map[string]*types.KeyFeatures
	decay    float64
	logger   *zap.Logger
}

// NewAggregator creates an empty feature table. A decay outside (0,1]
// falls back to DefaultDecay.
func NewAggregator(decay float64, logger *zap.Logger) *Aggregator {
	if decay <= 0 || decay > 1 {
		decay = DefaultDecay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		features: make(map[string]*types.KeyFeatures),
		decay:    decay,
		logger:   logger,
	}
}

// Observe folds one event into the key's feature record, creating it on
// first sight, and returns the live record. The returned pointer is owned
// by the aggregator; callers that retain features past the current decision
// cycle must copy them (see Get).
func (a *Aggregator) Observe(event types.AccessEvent) *types.KeyFeatures {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.features[event.Key]
	if !ok {
		f = &types.KeyFeatures{
			Key:             event.Key,
			InterArrivalEMA: math.Inf(1),
		}
		a.features[event.Key] = f
	}

	if f.AccessCount > 0 {
		gap := float64(event.Sequence - f.LastSeen)
		if math.IsInf(f.InterArrivalEMA, 1) {
			f.InterArrivalEMA = gap
		} else {
			f.InterArrivalEMA = (1-a.decay)*f.InterArrivalEMA + a.decay*gap
		}
	}

	if f.SizeEMA == 0 {
		f.SizeEMA = float64(event.Size)
	} else {
		f.SizeEMA = (1-a.decay)*f.SizeEMA + a.decay*float64(event.Size)
	}

	var write float64
	if event.Kind == types.KindWrite {
		write = 1
	}
	f.WriteRatio = (1-a.decay)*f.WriteRatio + a.decay*write

	f.AccessCount++
	f.LastSeen = event.Sequence
	f.LastSeenAt = event.Time

	return f
}

// Get returns a copy of the feature record for key.
func (a *Aggregator) Get(key string) (types.KeyFeatures, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.features[key]
	if !ok {
		return types.KeyFeatures{}, false
	}
	return *f, true
}

// SetPredicted writes the predictor's score back into the feature record so
// the policy and later decisions see it. No-op for unknown keys.
func (a *Aggregator) SetPredicted(key string, score float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.features[key]; ok {
		f.PredictedScore = clamp01(score)
	}
}

// EvictStale removes records whose last access is older than idleThreshold
// and returns the number removed. Bounds the table for unbounded key spaces.
func (a *Aggregator) EvictStale(idleThreshold time.Duration) int {
	if idleThreshold <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-idleThreshold)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, f := range a.features {
		if f.LastSeenAt.Before(cutoff) {
			delete(a.features, key)
			removed++
		}
	}
	if removed > 0 {
		a.logger.Debug("swept stale features",
			zap.Int("removed", removed),
			zap.Int("remaining", len(a.features)))
	}
	return removed
}

// Len reports the number of tracked keys.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.features)
}

// Export returns a deep copy of the table for persistence. Infinite
// inter-arrival EMAs are encoded as the sentinel value so the snapshot
// serializes cleanly.
func (a *Aggregator) Export() map[string]types.KeyFeatures {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]types.KeyFeatures, len(a.features))
	for key, f := range a.features {
		c := *f
		if math.IsInf(c.InterArrivalEMA, 1) {
			c.InterArrivalEMA = infSentinel
		}
		out[key] = c
	}
	return out
}

// Import replaces the table from a persisted snapshot, decoding the
// infinity sentinel.
func (a *Aggregator) Import(records map[string]types.KeyFeatures) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.features = make(map[string]*types.KeyFeatures, len(records))
	for key, rec := range records {
		c := rec
		c.Key = key
		if c.InterArrivalEMA == infSentinel {
			c.InterArrivalEMA = math.Inf(1)
		}
		a.features[key] = &c
	}
}

// RecencyScore maps the age of the last access onto (0,1], newer is higher.
// halfLife controls how fast the score decays.
func RecencyScore(f *types.KeyFeatures, now time.Time, halfLife time.Duration) float64 {
	if f == nil || f.LastSeenAt.IsZero() {
		return 0
	}
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	age := now.Sub(f.LastSeenAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
}

// FrequencyScore maps the access count onto [0,1) with diminishing returns.
func FrequencyScore(f *types.KeyFeatures) float64 {
	if f == nil || f.AccessCount == 0 {
		return 0
	}
	return 1 - 1/(1+math.Log1p(float64(f.AccessCount)))
}

// RegularityScore rewards keys whose inter-arrival gap is short relative to
// the horizon: a key seen every few events scores near 1, a key with gaps
// far beyond the horizon scores near 0. Unknown gaps score 0.
func RegularityScore(f *types.KeyFeatures, horizon uint64) float64 {
	if f == nil || horizon == 0 {
		return 0
	}
	if math.IsInf(f.InterArrivalEMA, 1) || f.InterArrivalEMA <= 0 {
		return 0
	}
	return clamp01(float64(horizon) / (f.InterArrivalEMA + float64(horizon)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
