package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
)

func TestTracker_Register(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.Register("origin", nil)

	if state := tracker.State("origin"); state != StateHealthy {
		t.Errorf("expected initial state healthy, got %s", state)
	}
	if state := tracker.State("unknown"); state != StateUnavailable {
		t.Errorf("expected unavailable for unregistered component, got %s", state)
	}
}

func TestTracker_DegradesAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 3
	tracker := NewTracker(cfg)
	tracker.Register("origin", nil)

	for i := 0; i < 2; i++ {
		tracker.RecordError("origin", fmt.Errorf("error %d", i))
	}
	if state := tracker.State("origin"); state != StateHealthy {
		t.Errorf("expected healthy below threshold, got %s", state)
	}

	tracker.RecordError("origin", fmt.Errorf("error 3"))
	if state := tracker.State("origin"); state != StateDegraded {
		t.Errorf("expected degraded at threshold, got %s", state)
	}
}

func TestTracker_UnavailableAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 3
	cfg.UnavailableThreshold = 10
	tracker := NewTracker(cfg)
	tracker.Register("origin", nil)

	for i := 0; i < 10; i++ {
		tracker.RecordError("origin", fmt.Errorf("error %d", i))
	}

	if state := tracker.State("origin"); state != StateUnavailable {
		t.Errorf("expected unavailable, got %s", state)
	}
	if tracker.Ready() {
		t.Error("expected tracker not ready with an unavailable component")
	}
}

func TestTracker_WriteFailuresTurnReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 3
	tracker := NewTracker(cfg)
	tracker.Register("origin", nil)

	writeErr := errors.NewError(errors.ErrCodeOriginWrite, "put rejected")
	for i := 0; i < 3; i++ {
		tracker.RecordError("origin", writeErr)
	}

	if state := tracker.State("origin"); state != StateReadOnly {
		t.Errorf("expected read-only after write failures, got %s", state)
	}
	if tracker.CanWrite("origin") {
		t.Error("expected CanWrite false in read-only state")
	}
	if !tracker.Ready() {
		t.Error("read-only component should not block readiness")
	}
}

func TestTracker_RecoversAfterSuccesses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	tracker := NewTracker(cfg)
	tracker.Register("origin", nil)

	tracker.RecordError("origin", fmt.Errorf("boom"))
	tracker.RecordError("origin", fmt.Errorf("boom"))
	if state := tracker.State("origin"); state != StateDegraded {
		t.Fatalf("expected degraded, got %s", state)
	}

	tracker.RecordSuccess("origin")
	if state := tracker.State("origin"); state != StateDegraded {
		t.Errorf("expected degraded while errors remain, got %s", state)
	}

	tracker.RecordSuccess("origin")
	if state := tracker.State("origin"); state != StateHealthy {
		t.Errorf("expected healthy after errors drained, got %s", state)
	}

	c, ok := tracker.Component("origin")
	if !ok {
		t.Fatal("component missing")
	}
	if c.ConsecutiveErrors != 0 {
		t.Errorf("expected zero consecutive errors, got %d", c.ConsecutiveErrors)
	}
	if c.LastError != "" {
		t.Errorf("expected last error cleared, got %q", c.LastError)
	}
}

func TestTracker_OverallIsWorstComponent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 1
	tracker := NewTracker(cfg)
	tracker.Register("engine", nil)
	tracker.Register("origin", nil)

	if overall := tracker.Overall(); overall != StateHealthy {
		t.Errorf("expected healthy overall, got %s", overall)
	}

	tracker.RecordError("origin", fmt.Errorf("timeout"))
	if overall := tracker.Overall(); overall != StateDegraded {
		t.Errorf("expected degraded overall, got %s", overall)
	}
	if !tracker.Ready() {
		t.Error("degraded service should still be ready")
	}
}

func TestTracker_TransitionCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 1
	tracker := NewTracker(cfg)
	tracker.Register("origin", nil)

	type transition struct {
		component string
		from, to  State
	}
	var got []transition
	tracker.OnTransition(func(component string, from, to State, err error) {
		got = append(got, transition{component, from, to})
	})

	tracker.RecordError("origin", fmt.Errorf("boom"))
	tracker.RecordSuccess("origin")

	want := []transition{
		{"origin", StateHealthy, StateDegraded},
		{"origin", StateDegraded, StateHealthy},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestTracker_CheckNowRecordsProbeResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 2
	tracker := NewTracker(cfg)

	var failing atomic.Bool
	failing.Store(true)
	tracker.Register("origin", func(ctx context.Context) error {
		if failing.Load() {
			return fmt.Errorf("probe failed")
		}
		return nil
	})

	ctx := context.Background()
	tracker.CheckNow(ctx)
	tracker.CheckNow(ctx)
	if state := tracker.State("origin"); state != StateDegraded {
		t.Fatalf("expected degraded after failed probes, got %s", state)
	}

	failing.Store(false)
	tracker.CheckNow(ctx)
	tracker.CheckNow(ctx)
	if state := tracker.State("origin"); state != StateHealthy {
		t.Errorf("expected healthy after recovering probes, got %s", state)
	}
}

func TestTracker_ProbeTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 1
	cfg.ProbeTimeout = 5 * time.Millisecond
	tracker := NewTracker(cfg)

	tracker.Register("origin", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	tracker.CheckNow(context.Background())

	if state := tracker.State("origin"); state != StateDegraded {
		t.Errorf("expected degraded after probe timeout, got %s", state)
	}
}

func TestTracker_RunProbesPeriodically(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorThreshold = 1
	cfg.ProbeInterval = 5 * time.Millisecond
	tracker := NewTracker(cfg)
	tracker.Register("origin", func(ctx context.Context) error {
		return fmt.Errorf("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.State("origin") == StateHealthy {
		if time.Now().After(deadline) {
			t.Fatal("probe loop never degraded the component")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}

func TestTracker_ComponentsSorted(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.Register("origin", nil)
	tracker.Register("engine", nil)
	tracker.Register("snapshot", nil)

	components := tracker.Components()
	if len(components) != 3 {
		t.Fatalf("expected 3 components, got %d", len(components))
	}
	wantOrder := []string{"engine", "origin", "snapshot"}
	for i, name := range wantOrder {
		if components[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, components[i].Name)
		}
	}
}

func TestTracker_ZeroConfigUsesDefaults(t *testing.T) {
	tracker := NewTracker(Config{})
	tracker.Register("origin", nil)

	def := DefaultConfig()
	for i := 0; i < def.ErrorThreshold-1; i++ {
		tracker.RecordError("origin", fmt.Errorf("boom"))
	}
	if state := tracker.State("origin"); state != StateHealthy {
		t.Errorf("expected healthy below default threshold, got %s", state)
	}
	tracker.RecordError("origin", fmt.Errorf("boom"))
	if state := tracker.State("origin"); state != StateDegraded {
		t.Errorf("expected degraded at default threshold, got %s", state)
	}
}

func TestState_JSON(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateHealthy, `"healthy"`},
		{StateDegraded, `"degraded"`},
		{StateReadOnly, `"read-only"`},
		{StateUnavailable, `"unavailable"`},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.state)
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.state, err)
		}
		if string(data) != tc.want {
			t.Errorf("expected %s, got %s", tc.want, data)
		}
	}
}
