package predict

import (
	"math"
	"sync"
)

// logisticModel is a small online logistic layer: score = sigmoid(w·x + b),
// trained by stochastic gradient steps on realized re-access outcomes.
type logisticModel struct {
	mu           sync.RWMutex
	weights      map[string]float64
	bias         float64
	learningRate float64
	updates      uint64
}

// newLogisticModel seeds the weights so that transition and regularity
// evidence dominate before any training has happened. The seeds are starting
// points only; gradient steps reshape them online.
func newLogisticModel(learningRate float64) *logisticModel {
	if learningRate <= 0 || learningRate >= 1 {
		learningRate = defaultLearningRate
	}
	return &logisticModel{
		weights: map[string]float64{
			featTransition: 2.0,
			featRegularity: 1.5,
			featRecency:    1.0,
			featFrequency:  0.5,
			featSize:       -0.25,
		},
		bias:         -0.5,
		learningRate: learningRate,
	}
}

// predict computes sigmoid(bias + Σ w·x) over the known feature names.
func (m *logisticModel) predict(features map[string]float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score := m.bias
	for name, value := range features {
		if w, ok := m.weights[name]; ok {
			score += w * value
		}
	}
	return sigmoid(score)
}

// train applies one gradient step toward the realized outcome.
func (m *logisticModel) train(features map[string]float64, reaccessed bool) {
	if len(features) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target := 0.0
	if reaccessed {
		target = 1.0
	}

	score := m.bias
	for name, value := range features {
		if w, ok := m.weights[name]; ok {
			score += w * value
		}
	}
	err := target - sigmoid(score)

	for name, value := range features {
		if _, ok := m.weights[name]; ok {
			m.weights[name] += m.learningRate * err * value
		}
	}
	m.bias += m.learningRate * err
	m.updates++
}

// snapshot returns a copy of the learned weights plus bias.
func (m *logisticModel) snapshot() (map[string]float64, float64, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	weights := make(map[string]float64, len(m.weights))
	for name, w := range m.weights {
		weights[name] = w
	}
	return weights, m.bias, m.updates
}

// restore replaces the learned parameters. Only known feature names are
// taken, so a snapshot from an older layout cannot grow the weight vector.
func (m *logisticModel) restore(weights map[string]float64, bias float64, updates uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.weights {
		if w, ok := weights[name]; ok {
			m.weights[name] = w
		}
	}
	m.bias = bias
	m.updates = updates
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
