// Package policy implements the adaptive admission and eviction agent: an
// epsilon-greedy policy over tabular value estimates keyed by feature bucket
// and action. Estimates are updated with a convex combination of the old
// value and the observed reward, which keeps them bounded regardless of
// reward scale. Exploration decays multiplicatively toward a floor so the
// policy keeps probing non-stationary workloads without thrashing.
package policy

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const (
	defaultExplorationInit  = 0.1
	defaultExplorationFloor = 0.01
	defaultExplorationDecay = 0.995
	defaultLearningRate     = 0.1
	defaultScoreBuckets     = 8

	hotAccessCount  = 16
	warmAccessCount = 3
)

// Config tunes the agent. The zero value is a valid greedy configuration;
// DefaultConfig returns the learning defaults.
type Config struct {
	// ExplorationInit is the starting epsilon in [0,1].
	ExplorationInit float64 `yaml:"exploration_init" json:"exploration_init"`

	// ExplorationFloor is the epsilon lower bound; decay never goes below it.
	ExplorationFloor float64 `yaml:"exploration_floor" json:"exploration_floor"`

	// ExplorationDecay multiplies epsilon after every decision. Default 0.995.
	ExplorationDecay float64 `yaml:"exploration_decay" json:"exploration_decay"`

	// LearningRate is the convex update step in (0,1]. Default 0.1.
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`

	// ScoreBuckets is the number of predicted-score quantiles. Default 8.
	ScoreBuckets int `yaml:"score_buckets" json:"score_buckets"`

	// Seed fixes the exploration source for reproducible runs; 0 seeds from
	// the clock.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the standard learning configuration.
func DefaultConfig() Config {
	return Config{
		ExplorationInit:  defaultExplorationInit,
		ExplorationFloor: defaultExplorationFloor,
		ExplorationDecay: defaultExplorationDecay,
		LearningRate:     defaultLearningRate,
		ScoreBuckets:     defaultScoreBuckets,
	}
}

// Agent is the epsilon-greedy admission/eviction policy. All methods are
// safe for concurrent use; value reads and updates share one mutex because
// both are O(1) map operations.
type Agent struct {
	mu      sync.Mutex
	cfg     Config
	values  map[string]float64
	epsilon float64
	updates uint64
	rng     *rand.Rand
	logger  *zap.Logger
}

// New builds an agent. Out-of-range config fields fall back to defaults;
// an explicit zero exploration rate is honored (pure exploitation).
func New(cfg Config, logger *zap.Logger) *Agent {
	if cfg.ExplorationInit < 0 || cfg.ExplorationInit > 1 {
		cfg.ExplorationInit = defaultExplorationInit
	}
	if cfg.ExplorationFloor < 0 || cfg.ExplorationFloor > 1 {
		cfg.ExplorationFloor = defaultExplorationFloor
	}
	if cfg.ExplorationFloor > cfg.ExplorationInit {
		cfg.ExplorationFloor = cfg.ExplorationInit
	}
	if cfg.ExplorationDecay <= 0 || cfg.ExplorationDecay > 1 {
		cfg.ExplorationDecay = defaultExplorationDecay
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = defaultLearningRate
	}
	if cfg.ScoreBuckets < 1 {
		cfg.ScoreBuckets = defaultScoreBuckets
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Agent{
		cfg:     cfg,
		values:  make(map[string]float64),
		epsilon: cfg.ExplorationInit,
		rng:     rand.New(rand.NewSource(seed)),
		logger:  logger,
	}
}

// Bucket maps key features onto the discrete state the value table is keyed
// by: a predicted-score quantile crossed with an access-count tier.
func (a *Agent) Bucket(f *types.KeyFeatures) string {
	if f == nil {
		return "s0:cold"
	}
	q := int(f.PredictedScore * float64(a.cfg.ScoreBuckets))
	if q >= a.cfg.ScoreBuckets {
		q = a.cfg.ScoreBuckets - 1
	}
	if q < 0 {
		q = 0
	}
	tier := "cold"
	switch {
	case f.AccessCount >= hotAccessCount:
		tier = "hot"
	case f.AccessCount >= warmAccessCount:
		tier = "warm"
	}
	return fmt.Sprintf("s%d:%s", q, tier)
}

// ChooseAdmission decides admit or reject for a missed key. Ties favor
// admission so an untrained agent behaves like a plain LRU front end.
func (a *Agent) ChooseAdmission(f *types.KeyFeatures) (types.Action, float64) {
	bucket := a.Bucket(f)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.decayLocked()

	if a.rng.Float64() < a.epsilon {
		if a.rng.Intn(2) == 0 {
			return types.ActionAdmit, 0.5
		}
		return types.ActionReject, 0.5
	}

	qAdmit := a.values[valueKey(bucket, types.ActionAdmit)]
	qReject := a.values[valueKey(bucket, types.ActionReject)]
	if qAdmit >= qReject {
		return types.ActionAdmit, marginConfidence(qAdmit - qReject)
	}
	return types.ActionReject, marginConfidence(qReject - qAdmit)
}

// ChooseVictim selects which resident key to evict for an incoming one, or
// reports that rejecting the incoming key is the better move. Candidates
// with equal keep value tie-break to the oldest last access. An empty
// candidate list forces a reject.
func (a *Agent) ChooseVictim(incoming *types.KeyFeatures, candidates []types.EvictionCandidate) (string, bool, float64) {
	if len(candidates) == 0 {
		return "", true, 1.0
	}
	bucket := a.Bucket(incoming)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.decayLocked()

	if a.rng.Float64() < a.epsilon {
		// Explore uniformly over evict(k) for each candidate plus reject-new.
		pick := a.rng.Intn(len(candidates) + 1)
		if pick == len(candidates) {
			return "", true, 0.5
		}
		return candidates[pick].Key, false, 0.5
	}

	victim, margin := cheapestCandidate(candidates)

	qEvict := a.values[valueKey(bucket, types.ActionEvict)]
	qReject := a.values[valueKey(bucket, types.ActionReject)]
	switch {
	case qReject > qEvict:
		return "", true, marginConfidence(qReject - qEvict)
	case qEvict > qReject:
		return victim.Key, false, marginConfidence(qEvict - qReject)
	}

	// Untrained state: evict unless the incoming key looks strictly worse
	// than every resident candidate.
	if incoming != nil && incoming.PredictedScore < keepValue(victim.Features) {
		return "", true, marginConfidence(keepValue(victim.Features) - incoming.PredictedScore)
	}
	return victim.Key, false, marginConfidence(margin)
}

// Update folds one reward into the estimate for (bucket, action):
// q <- (1-alpha)*q + alpha*reward.
func (a *Agent) Update(bucket string, action types.Action, reward float64) {
	key := valueKey(bucket, action)

	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.values[key]
	a.values[key] = (1-a.cfg.LearningRate)*old + a.cfg.LearningRate*reward
	a.updates++
}

// ExplorationRate reports the current epsilon.
func (a *Agent) ExplorationRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilon
}

// SetExplorationFloor retargets the epsilon lower bound at runtime. Raising
// the floor above the current epsilon lifts epsilon to the new floor, which
// restarts exploration on a policy that had gone fully greedy.
func (a *Agent) SetExplorationFloor(floor float64) {
	if floor < 0 || floor > 1 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.ExplorationFloor = floor
	if a.epsilon < floor {
		a.epsilon = floor
	}
}

// Export copies the agent's learned state for persistence.
func (a *Agent) Export() types.PolicyState {
	a.mu.Lock()
	defer a.mu.Unlock()

	values := make(map[string]float64, len(a.values))
	for k, v := range a.values {
		values[k] = v
	}
	return types.PolicyState{
		Values:      values,
		Exploration: a.epsilon,
		Updates:     a.updates,
	}
}

// Import replaces the agent's state with a persisted one. Non-finite values
// are rejected wholesale so a corrupt snapshot cannot poison the table.
func (a *Agent) Import(state types.PolicyState) error {
	values := make(map[string]float64, len(state.Values))
	for k, v := range state.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Newf(errors.ErrCodeSnapshotCorrupt,
				"non-finite value estimate for %q", k).
				WithComponent("policy").
				WithOperation("Import")
		}
		values[k] = v
	}

	epsilon := state.Exploration
	if epsilon < a.cfg.ExplorationFloor {
		epsilon = a.cfg.ExplorationFloor
	}
	if epsilon > 1 {
		epsilon = 1
	}

	a.mu.Lock()
	a.values = values
	a.epsilon = epsilon
	a.updates = state.Updates
	a.mu.Unlock()

	a.logger.Info("imported policy state",
		zap.Int("estimates", len(values)),
		zap.Float64("exploration", epsilon),
		zap.Uint64("updates", state.Updates))
	return nil
}

// decayLocked steps epsilon toward the floor. Caller holds the lock.
func (a *Agent) decayLocked() {
	a.epsilon *= a.cfg.ExplorationDecay
	if a.epsilon < a.cfg.ExplorationFloor {
		a.epsilon = a.cfg.ExplorationFloor
	}
}

func valueKey(bucket string, action types.Action) string {
	return bucket + "|" + action.String()
}

// cheapestCandidate returns the candidate with the lowest keep value, using
// the oldest last access to break ties, plus the margin to the runner-up.
func cheapestCandidate(candidates []types.EvictionCandidate) (types.EvictionCandidate, float64) {
	best := candidates[0]
	bestVal := keepValue(best.Features)
	runnerUp := math.Inf(1)

	for _, c := range candidates[1:] {
		v := keepValue(c.Features)
		switch {
		case v < bestVal:
			runnerUp = bestVal
			best, bestVal = c, v
		case v == bestVal:
			runnerUp = bestVal
			if c.LastAccess.Before(best.LastAccess) {
				best = c
			}
		case v < runnerUp:
			runnerUp = v
		}
	}
	if math.IsInf(runnerUp, 1) {
		return best, 0
	}
	return best, runnerUp - bestVal
}

// keepValue is how much a candidate appears worth keeping. Keys without
// features score zero and are evicted first.
func keepValue(f *types.KeyFeatures) float64 {
	if f == nil {
		return 0
	}
	return f.PredictedScore
}

// marginConfidence maps a non-negative value gap onto [0.5, 1): a zero gap
// is a coin flip, large gaps approach certainty.
func marginConfidence(gap float64) float64 {
	if gap < 0 {
		gap = -gap
	}
	return 0.5 + 0.5*gap/(1+gap)
}
