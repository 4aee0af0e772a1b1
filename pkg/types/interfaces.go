package types

import (
	"context"
)

// Origin defines the interface for the slow storage tier below the cache.
// Misses are filled from it and dirty entries flush back to it.
type Origin interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, payload []byte) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Predictor estimates the probability that a key is re-accessed within the
// configured horizon. Any online sequence model satisfies the contract as
// long as scoring is bounded-time and updates are incremental.
type Predictor interface {
	// Observe feeds one normalized event into the model.
	Observe(event AccessEvent)

	// Score returns a re-access probability in [0,1] for key given the
	// recent access window. Keys below the observation minimum receive
	// a neutral 0.5.
	Score(key string, window []string) float64

	// Update performs one online learning step using the realized outcome
	// as a self-supervised label.
	Update(key string, reaccessed bool)

	// Window returns a copy of the model's recent access window.
	Window() []string

	// Successors returns up to limit likely next keys for the given window,
	// best first. Used to drive prefetching.
	Successors(window []string, limit int) []Prediction

	// PatternsLearned reports how many recurring transitions the model
	// currently knows.
	PatternsLearned() int
}

// AdmissionPolicy selects admission and eviction actions and learns from
// settled rewards. Implementations may be tabular or function-approximated;
// updates must be convex combinations of old estimate and reward target.
type AdmissionPolicy interface {
	// ChooseAdmission decides admit or reject for a missed key.
	ChooseAdmission(features *KeyFeatures) (Action, float64)

	// ChooseVictim picks which resident key to evict so the incoming key
	// can be admitted, or declines the admission entirely. Candidates
	// arrive in least-recently-used order.
	ChooseVictim(incoming *KeyFeatures, candidates []EvictionCandidate) (victim string, rejectNew bool, confidence float64)

	// Bucket quantizes a feature record into the policy's tabular key.
	Bucket(features *KeyFeatures) string

	// Update applies a settled reward to the (bucket, action) estimate.
	Update(bucket string, action Action, reward float64)

	// ExplorationRate reports the current epsilon.
	ExplorationRate() float64

	// Export returns a copy of the learned state for persistence.
	Export() PolicyState

	// Import replaces the learned state from a snapshot.
	Import(state PolicyState) error
}
