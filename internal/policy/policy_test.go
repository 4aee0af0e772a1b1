package policy

import (
	"math"
	"testing"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

var _ types.AdmissionPolicy = (*Agent)(nil)

func feat(key string, score float64, count uint64) *types.KeyFeatures {
	return &types.KeyFeatures{
		Key:            key,
		PredictedScore: score,
		AccessCount:    count,
		LastSeenAt:     time.Now(),
	}
}

func candidate(key string, score float64, lastAccess time.Time) types.EvictionCandidate {
	return types.EvictionCandidate{
		Key:        key,
		LastAccess: lastAccess,
		Features:   feat(key, score, 10),
	}
}

// greedy returns an agent with exploration pinned to zero so decisions are
// fully deterministic.
func greedy(t *testing.T) *Agent {
	t.Helper()
	return New(Config{LearningRate: 0.5, Seed: 1}, nil)
}

func TestBucketQuantization(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig(), nil)
	tests := []struct {
		name     string
		features *types.KeyFeatures
		want     string
	}{
		{name: "nil features", features: nil, want: "s0:cold"},
		{name: "zero score cold", features: feat("k", 0, 1), want: "s0:cold"},
		{name: "mid score warm", features: feat("k", 0.5, 5), want: "s4:warm"},
		{name: "top score hot", features: feat("k", 0.99, 20), want: "s7:hot"},
		{name: "score one clamps", features: feat("k", 1.0, 20), want: "s7:hot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Bucket(tt.features); got != tt.want {
				t.Errorf("Bucket() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChooseAdmissionUntrainedAdmits(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	action, confidence := a.ChooseAdmission(feat("k", 0.5, 5))
	if action != types.ActionAdmit {
		t.Errorf("untrained agent should admit, got %s", action)
	}
	if confidence != 0.5 {
		t.Errorf("zero-margin confidence = %f, want 0.5", confidence)
	}
}

func TestChooseAdmissionLearnsToReject(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	f := feat("scan", 0.1, 1)
	bucket := a.Bucket(f)
	for i := 0; i < 20; i++ {
		a.Update(bucket, types.ActionAdmit, -1)
		a.Update(bucket, types.ActionReject, 0.5)
	}

	action, confidence := a.ChooseAdmission(f)
	if action != types.ActionReject {
		t.Fatalf("trained agent should reject, got %s", action)
	}
	if confidence <= 0.5 {
		t.Errorf("clear margin should raise confidence above 0.5, got %f", confidence)
	}

	// A different bucket is untouched and keeps the admit default.
	if action, _ := a.ChooseAdmission(feat("hot", 0.9, 50)); action != types.ActionAdmit {
		t.Errorf("unrelated bucket should still admit, got %s", action)
	}
}

func TestUpdateConvexAndBounded(t *testing.T) {
	t.Parallel()

	a := New(Config{LearningRate: 0.5}, nil)
	a.Update("b", types.ActionAdmit, 1)
	a.Update("b", types.ActionAdmit, 1)

	state := a.Export()
	if got := state.Values["b|admit"]; math.Abs(got-0.75) > 1e-9 {
		t.Errorf("estimate after two +1 updates = %f, want 0.75", got)
	}

	// Alternating extreme rewards must never push the estimate outside the
	// reward range.
	for i := 0; i < 100; i++ {
		r := 1.0
		if i%2 == 0 {
			r = -1.0
		}
		a.Update("b", types.ActionAdmit, r)
		v := a.Export().Values["b|admit"]
		if v < -1 || v > 1 {
			t.Fatalf("estimate %f escaped [-1,1] at step %d", v, i)
		}
	}
}

func TestChooseVictimOldestLastAccessTieBreak(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	base := time.Now()

	// Resident A,B,C where A was just re-accessed: equal keep values, so the
	// oldest last access (B) must be chosen regardless of candidate order.
	candidates := []types.EvictionCandidate{
		candidate("C", 0.5, base.Add(3*time.Second)),
		candidate("A", 0.5, base.Add(4*time.Second)),
		candidate("B", 0.5, base.Add(2*time.Second)),
	}

	victim, rejectNew, _ := a.ChooseVictim(feat("D", 0.5, 5), candidates)
	if rejectNew {
		t.Fatal("equal-value incoming should not be rejected")
	}
	if victim != "B" {
		t.Errorf("victim = %q, want oldest last access B", victim)
	}
}

func TestChooseVictimPrefersLowestKeepValue(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	base := time.Now()
	candidates := []types.EvictionCandidate{
		candidate("hot", 0.9, base.Add(1*time.Second)),
		candidate("doomed", 0.2, base.Add(3*time.Second)),
		candidate("warm", 0.5, base.Add(2*time.Second)),
	}

	victim, rejectNew, confidence := a.ChooseVictim(feat("new", 0.6, 5), candidates)
	if rejectNew || victim != "doomed" {
		t.Fatalf("victim = %q rejectNew=%v, want doomed/false", victim, rejectNew)
	}
	if confidence <= 0.5 {
		t.Errorf("distinct keep values should give confidence > 0.5, got %f", confidence)
	}

	// Missing features evict first.
	candidates = append(candidates, types.EvictionCandidate{Key: "featureless", LastAccess: base})
	if victim, _, _ := a.ChooseVictim(feat("new", 0.6, 5), candidates); victim != "featureless" {
		t.Errorf("victim = %q, want featureless", victim)
	}
}

func TestChooseVictimRejectsWorseIncoming(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	base := time.Now()
	candidates := []types.EvictionCandidate{
		candidate("x", 0.8, base),
		candidate("y", 0.9, base.Add(time.Second)),
	}

	if _, rejectNew, _ := a.ChooseVictim(feat("cold", 0.1, 3), candidates); !rejectNew {
		t.Error("incoming strictly worse than every resident should be rejected")
	}
	if victim, rejectNew, _ := a.ChooseVictim(feat("better", 0.95, 3), candidates); rejectNew || victim != "x" {
		t.Errorf("strong incoming should evict x, got victim=%q rejectNew=%v", victim, rejectNew)
	}
}

func TestChooseVictimLearnedReject(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	incoming := feat("new", 0.9, 5)
	bucket := a.Bucket(incoming)
	for i := 0; i < 10; i++ {
		a.Update(bucket, types.ActionEvict, -1)
		a.Update(bucket, types.ActionReject, 0.5)
	}

	candidates := []types.EvictionCandidate{candidate("r", 0.1, time.Now())}
	if _, rejectNew, _ := a.ChooseVictim(incoming, candidates); !rejectNew {
		t.Error("learned reject preference should override the feature heuristic")
	}
}

func TestChooseVictimNoCandidates(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	victim, rejectNew, confidence := a.ChooseVictim(feat("k", 0.5, 5), nil)
	if victim != "" || !rejectNew || confidence != 1.0 {
		t.Errorf("empty candidates: got (%q, %v, %f), want (\"\", true, 1.0)", victim, rejectNew, confidence)
	}
}

func TestExplorationDecaysToFloor(t *testing.T) {
	t.Parallel()

	a := New(Config{
		ExplorationInit:  0.5,
		ExplorationFloor: 0.1,
		ExplorationDecay: 0.5,
		LearningRate:     0.1,
		Seed:             1,
	}, nil)

	f := feat("k", 0.5, 5)
	want := []float64{0.25, 0.125, 0.1, 0.1}
	for i, w := range want {
		a.ChooseAdmission(f)
		if got := a.ExplorationRate(); math.Abs(got-w) > 1e-9 {
			t.Fatalf("after %d decisions exploration = %f, want %f", i+1, got, w)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	trained := greedy(t)
	f := feat("scan", 0.1, 1)
	bucket := trained.Bucket(f)
	for i := 0; i < 20; i++ {
		trained.Update(bucket, types.ActionAdmit, -1)
		trained.Update(bucket, types.ActionReject, 0.5)
	}
	state := trained.Export()

	restored := greedy(t)
	if err := restored.Import(state); err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if action, _ := restored.ChooseAdmission(f); action != types.ActionReject {
		t.Errorf("restored agent should reject like the trained one, got %s", action)
	}

	got := restored.Export()
	if got.Updates != state.Updates {
		t.Errorf("updates = %d, want %d", got.Updates, state.Updates)
	}

	// Export must be a copy, not a view.
	state.Values[bucket+"|admit"] = 99
	if restored.Export().Values[bucket+"|admit"] == 99 {
		t.Error("imported state aliases the caller's map")
	}
}

func TestImportRejectsNonFinite(t *testing.T) {
	t.Parallel()

	a := greedy(t)
	err := a.Import(types.PolicyState{Values: map[string]float64{"b|admit": math.NaN()}})
	if err == nil {
		t.Fatal("expected error for NaN estimate")
	}
	if !errors.HasCode(err, errors.ErrCodeSnapshotCorrupt) {
		t.Errorf("error code = %v, want %s", err, errors.ErrCodeSnapshotCorrupt)
	}

	// The failed import must not have touched the agent.
	if action, _ := a.ChooseAdmission(feat("k", 0.5, 5)); action != types.ActionAdmit {
		t.Errorf("agent state changed after failed import: %s", action)
	}
}
