package predict

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

var _ types.Predictor = (*Model)(nil)

type staticFeatures map[string]types.KeyFeatures

func (s staticFeatures) Get(key string) (types.KeyFeatures, bool) {
	f, ok := s[key]
	return f, ok
}

// hotFeatures builds a feature source where every key looks warm: frequent,
// recently seen, regular.
func hotFeatures(keys ...string) staticFeatures {
	now := time.Now()
	fs := staticFeatures{}
	for i, key := range keys {
		fs[key] = types.KeyFeatures{
			Key:             key,
			LastSeen:        uint64(100 + i),
			LastSeenAt:      now,
			AccessCount:     25,
			InterArrivalEMA: 4,
			SizeEMA:         4096,
		}
	}
	return fs
}

func drive(m *Model, keys []string) {
	for i, key := range keys {
		m.Observe(types.AccessEvent{
			RequestID: fmt.Sprintf("req-%d", i),
			Key:       key,
			Sequence:  uint64(i + 1),
			Time:      time.Now(),
			Kind:      types.KindRead,
			Size:      4096,
		})
	}
}

func repeat(cycle []string, times int) []string {
	out := make([]string, 0, len(cycle)*times)
	for i := 0; i < times; i++ {
		out = append(out, cycle...)
	}
	return out
}

func TestScoreColdStart(t *testing.T) {
	t.Parallel()

	now := time.Now()
	fs := staticFeatures{
		"once":  {Key: "once", AccessCount: 1, LastSeenAt: now, InterArrivalEMA: math.Inf(1)},
		"twice": {Key: "twice", AccessCount: 2, LastSeenAt: now, InterArrivalEMA: 5},
		"warm":  {Key: "warm", AccessCount: 10, LastSeenAt: now, InterArrivalEMA: 5},
	}
	m := New(Config{MinObservations: 3}, fs)

	tests := []struct {
		name    string
		key     string
		neutral bool
	}{
		{name: "unknown key", key: "never-seen", neutral: true},
		{name: "below minimum", key: "once", neutral: true},
		{name: "at minimum boundary", key: "twice", neutral: true},
		{name: "warm key", key: "warm", neutral: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := m.Score(tt.key, nil)
			if score < 0 || score > 1 {
				t.Fatalf("score %f outside [0,1]", score)
			}
			if tt.neutral && score != 0.5 {
				t.Errorf("expected neutral 0.5, got %f", score)
			}
			if !tt.neutral && score == 0.5 {
				t.Errorf("warm key should not score exactly neutral")
			}
		})
	}
}

func TestScoreMarkovTransition(t *testing.T) {
	t.Parallel()

	fs := hotFeatures("a", "b", "c", "d", "x")
	m := New(Config{Backend: BackendMarkov, ContextLength: 3}, fs)

	// Two full cycles plus a trailing a,b,c so the live window ends on the
	// context whose successor is always d.
	drive(m, []string{"a", "b", "c", "d", "a", "b", "c", "d", "a", "b", "c"})

	if got := m.Score("d", m.Window()); got != 1.0 {
		t.Errorf("deterministic successor should score 1.0, got %f", got)
	}

	// A key that never follows this context falls back to its regularity.
	want := 100.0 / (4 + 100.0)
	if got := m.Score("x", m.Window()); math.Abs(got-want) > 1e-9 {
		t.Errorf("fallback score = %f, want %f", got, want)
	}
}

func TestScoreHybridPrefersPredictedSuccessor(t *testing.T) {
	t.Parallel()

	fs := hotFeatures("a", "b", "c", "d")
	m := New(Config{}, fs)

	drive(m, repeat([]string{"a", "b", "c", "d"}, 4))
	drive(m, []string{"a", "b", "c"})

	window := m.Window()
	scoreD := m.Score("d", window)
	scoreB := m.Score("b", window)
	if scoreD <= scoreB {
		t.Errorf("successor d (%f) should outscore non-successor b (%f)", scoreD, scoreB)
	}
}

func TestUpdateShiftsScore(t *testing.T) {
	t.Parallel()

	fs := hotFeatures("k")
	m := New(Config{}, fs)

	before := m.Score("k", nil)
	for i := 0; i < 50; i++ {
		m.Score("k", nil)
		m.Update("k", true)
	}
	after := m.Score("k", nil)
	if after <= before {
		t.Errorf("repeated positive outcomes should raise the score: before %f after %f", before, after)
	}

	// Update without a prior Score is a no-op.
	m.Update("never-scored", false)
}

func TestUpdateConsumesPendingVector(t *testing.T) {
	t.Parallel()

	m := New(Config{}, hotFeatures("k"))
	m.Score("k", nil)
	m.Update("k", true)

	_, _, updates := m.Weights()
	if updates != 1 {
		t.Fatalf("expected 1 training step, got %d", updates)
	}

	// The vector was consumed; a second settle must not train again.
	m.Update("k", true)
	if _, _, updates := m.Weights(); updates != 1 {
		t.Errorf("second update without a score trained anyway: %d steps", updates)
	}
}

func TestSuccessorsRanking(t *testing.T) {
	t.Parallel()

	ct := newContextTable(3, 64)
	window := []string{"a", "b", "c"}
	for i := 0; i < 3; i++ {
		ct.record(window, "d")
	}
	ct.record(window, "e")
	ct.record(window, "e")
	ct.record(window, "f") // one-off, filtered

	preds := ct.successors(window, 10)
	if len(preds) != 2 {
		t.Fatalf("expected 2 recurring successors, got %d", len(preds))
	}
	if preds[0].Key != "d" || preds[1].Key != "e" {
		t.Errorf("wrong order: %v", preds)
	}
	if math.Abs(preds[0].Score-0.5) > 1e-9 {
		t.Errorf("d score = %f, want 0.5", preds[0].Score)
	}

	if got := ct.successors(window, 1); len(got) != 1 || got[0].Key != "d" {
		t.Errorf("limit 1 should keep only the best successor, got %v", got)
	}
	if got := ct.successors([]string{"a"}, 10); got != nil {
		t.Errorf("short window should have no successors, got %v", got)
	}
}

func TestContextTableBounded(t *testing.T) {
	t.Parallel()

	ct := newContextTable(2, 2)
	ct.record([]string{"a", "b"}, "x")
	ct.record([]string{"c", "d"}, "y")
	ct.record([]string{"e", "f"}, "z")

	if got := ct.size(); got != 2 {
		t.Fatalf("table size = %d, want cap 2", got)
	}
	if _, ok := ct.transition([]string{"a", "b"}, "x"); ok {
		t.Error("oldest context should have been discarded")
	}
	if _, ok := ct.transition([]string{"e", "f"}, "z"); !ok {
		t.Error("newest context missing")
	}
}

func TestPatternsLearned(t *testing.T) {
	t.Parallel()

	m := New(Config{ContextLength: 3}, hotFeatures("a", "b", "c", "d"))

	drive(m, []string{"a", "b", "c", "d"})
	if got := m.PatternsLearned(); got != 0 {
		t.Fatalf("single pass should learn nothing recurring, got %d", got)
	}

	drive(m, repeat([]string{"a", "b", "c", "d"}, 2))
	if got := m.PatternsLearned(); got != 4 {
		t.Errorf("three passes over a cycle of 4 should learn 4 patterns, got %d", got)
	}
}

func TestWindowBoundedAndCopied(t *testing.T) {
	t.Parallel()

	m := New(Config{WindowSize: 8, ContextLength: 3}, nil)
	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	drive(m, keys)

	window := m.Window()
	if len(window) != 8 {
		t.Fatalf("window length = %d, want 8", len(window))
	}
	if window[0] != "k12" || window[7] != "k19" {
		t.Errorf("window should hold the newest 8 keys oldest first, got %v", window)
	}

	window[0] = "mutated"
	if again := m.Window(); again[0] != "k12" {
		t.Error("Window must return a copy")
	}
}
