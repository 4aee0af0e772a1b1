// Package predict implements the online sequence models that estimate
// re-access probability within the configured horizon.
//
// Three backends satisfy the same contract: an n-gram context table that
// learns recurring transitions, a logistic layer over rolling key features,
// and the default hybrid that feeds the transition score into the logistic
// layer. All scoring is bounded-time; no backend walks full history.
package predict

import (
	"sync"
	"time"

	"github.com/adaptivecache/adaptivecache/internal/feature"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// Backend names accepted by Config.Backend.
const (
	BackendHybrid   = "hybrid"
	BackendMarkov   = "markov"
	BackendLogistic = "logistic"
)

const (
	defaultContextLength   = 3
	defaultWindowSize      = 64
	defaultMaxContexts     = 8192
	defaultMinObservations = 3
	defaultLearningRate    = 0.05
	defaultRecencyHalfLife = time.Minute

	// maxPendingFeatures caps the decision-time feature cache. Entries are
	// normally removed by Update when the reward loop settles; the cap only
	// guards against callers that score without ever settling.
	maxPendingFeatures = 8192

	featTransition = "transition_score"
	featRegularity = "regularity_score"
	featRecency    = "recency_score"
	featFrequency  = "frequency_score"
	featSize       = "size_score"

	// sizeScale normalizes payload size into [0,1]; anything at or above
	// this many bytes saturates the size feature.
	sizeScale = 4 * 1024 * 1024
)

// FeatureSource supplies per-key rolling statistics to the scorer.
type FeatureSource interface {
	Get(key string) (types.KeyFeatures, bool)
}

// Config tunes the sequence model.
type Config struct {
	// Backend selects hybrid, markov, or logistic. Default hybrid.
	Backend string `yaml:"backend" json:"backend"`

	// ContextLength is the n-gram context size. Default 3.
	ContextLength int `yaml:"context_length" json:"context_length"`

	// WindowSize is the length of the recent-access window. Default 64.
	WindowSize int `yaml:"window_size" json:"window_size"`

	// MaxContexts bounds the transition table. Default 8192.
	MaxContexts int `yaml:"max_contexts" json:"max_contexts"`

	// MinObservations is the cold-start threshold: keys seen fewer times
	// receive the neutral score. Default 3.
	MinObservations uint64 `yaml:"min_observations" json:"min_observations"`

	// LearningRate is the logistic gradient step. Default 0.05.
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`

	// Horizon is the re-access horizon in events, used by the regularity
	// feature. Must match the engine's horizon.
	Horizon uint64 `yaml:"-" json:"-"`

	// RecencyHalfLife controls how fast the recency feature decays.
	RecencyHalfLife time.Duration `yaml:"recency_half_life" json:"recency_half_life"`
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendHybrid
	}
	if c.ContextLength < 1 {
		c.ContextLength = defaultContextLength
	}
	if c.WindowSize < c.ContextLength+1 {
		c.WindowSize = defaultWindowSize
	}
	if c.MaxContexts < 1 {
		c.MaxContexts = defaultMaxContexts
	}
	if c.MinObservations == 0 {
		c.MinObservations = defaultMinObservations
	}
	if c.LearningRate <= 0 || c.LearningRate >= 1 {
		c.LearningRate = defaultLearningRate
	}
	if c.Horizon == 0 {
		c.Horizon = 100
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = defaultRecencyHalfLife
	}
	return c
}

// Model is the online sequence predictor. It satisfies types.Predictor.
type Model struct {
	cfg      Config
	features FeatureSource
	table    *contextTable
	logistic *logisticModel

	windowMu sync.RWMutex
	window   []string

	pendingMu sync.Mutex
	pending   map[string]map[string]float64
}

// New builds a model with the given backend. The feature source may be nil,
// in which case only transition evidence is available and cold-start
// neutrality is keyed off the table alone.
func New(cfg Config, features FeatureSource) *Model {
	cfg = cfg.withDefaults()

	m := &Model{
		cfg:      cfg,
		features: features,
		table:    newContextTable(cfg.ContextLength, cfg.MaxContexts),
		pending:  make(map[string]map[string]float64),
	}
	if cfg.Backend != BackendMarkov {
		m.logistic = newLogisticModel(cfg.LearningRate)
	}
	return m
}

// Observe feeds one event into the model: the current window's context
// gains event.Key as a successor, then the window advances.
func (m *Model) Observe(event types.AccessEvent) {
	m.windowMu.Lock()
	m.table.record(m.window, event.Key)
	m.window = append(m.window, event.Key)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	m.windowMu.Unlock()
}

// Window returns a copy of the recent-access window, oldest first.
func (m *Model) Window() []string {
	m.windowMu.RLock()
	defer m.windowMu.RUnlock()
	out := make([]string, len(m.window))
	copy(out, m.window)
	return out
}

// Score estimates the probability that key is re-accessed within the
// horizon, given the recent window. Keys below the observation minimum
// score a neutral 0.5.
func (m *Model) Score(key string, window []string) float64 {
	var (
		feats types.KeyFeatures
		known bool
	)
	if m.features != nil {
		feats, known = m.features.Get(key)
	}
	if !known || feats.AccessCount < m.cfg.MinObservations {
		return 0.5
	}

	vector := m.vectorFor(key, &feats, window)

	var score float64
	switch m.cfg.Backend {
	case BackendMarkov:
		if p, ok := m.table.transition(window, key); ok {
			score = p
		} else {
			score = vector[featRegularity]
		}
	default:
		score = m.logistic.predict(vector)
	}

	m.remember(key, vector)
	return score
}

// Update performs one self-supervised learning step for key using the
// realized outcome of its last scored prediction.
func (m *Model) Update(key string, reaccessed bool) {
	m.pendingMu.Lock()
	vector, ok := m.pending[key]
	delete(m.pending, key)
	m.pendingMu.Unlock()

	if !ok || m.logistic == nil {
		return
	}
	m.logistic.train(vector, reaccessed)
}

// Successors returns up to limit recurring next keys for the window's
// current context, best first.
func (m *Model) Successors(window []string, limit int) []types.Prediction {
	return m.table.successors(window, limit)
}

// PatternsLearned reports how many contexts have a recurring successor.
func (m *Model) PatternsLearned() int {
	return m.table.patterns()
}

// Weights exposes the logistic layer for telemetry; nil for the markov
// backend.
func (m *Model) Weights() (map[string]float64, float64, uint64) {
	if m.logistic == nil {
		return nil, 0, 0
	}
	return m.logistic.snapshot()
}

// ImportWeights replaces the logistic layer's learned parameters from a
// snapshot. No-op for the markov backend.
func (m *Model) ImportWeights(weights map[string]float64, bias float64, updates uint64) {
	if m.logistic == nil || len(weights) == 0 {
		return
	}
	m.logistic.restore(weights, bias, updates)
}

// vectorFor assembles the feature vector used by the logistic layer.
func (m *Model) vectorFor(key string, f *types.KeyFeatures, window []string) map[string]float64 {
	vector := map[string]float64{
		featRegularity: feature.RegularityScore(f, m.cfg.Horizon),
		featRecency:    feature.RecencyScore(f, time.Now(), m.cfg.RecencyHalfLife),
		featFrequency:  feature.FrequencyScore(f),
		featSize:       sizeScore(f.SizeEMA),
	}
	if m.cfg.Backend != BackendLogistic {
		if p, ok := m.table.transition(window, key); ok {
			vector[featTransition] = p
		}
	}
	return vector
}

// remember caches the decision-time vector for the later Update call.
func (m *Model) remember(key string, vector map[string]float64) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if len(m.pending) >= maxPendingFeatures {
		for stale := range m.pending {
			delete(m.pending, stale)
			break
		}
	}
	m.pending[key] = vector
}

func sizeScore(sizeEMA float64) float64 {
	if sizeEMA <= 0 {
		return 0
	}
	s := sizeEMA / sizeScale
	if s > 1 {
		return 1
	}
	return s
}
