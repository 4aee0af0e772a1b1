package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	cb := NewBreaker("fetch", Config{})

	if cb.config.MaxRequests != 1 {
		t.Errorf("MaxRequests = %d, want 1", cb.config.MaxRequests)
	}
	if cb.config.Interval != 60*time.Second {
		t.Errorf("Interval = %v, want 60s", cb.config.Interval)
	}
	if cb.config.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cb.config.Timeout)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Initial state = %v, want CLOSED", cb.GetState())
	}
}

func TestDefaultIsSuccessful(t *testing.T) {
	if !defaultIsSuccessful(nil) {
		t.Error("nil error should be successful")
	}
	if !defaultIsSuccessful(errors.NewError(errors.ErrCodeObjectNotFound, "no such object")) {
		t.Error("missing object should not count as an origin failure")
	}
	if defaultIsSuccessful(errors.NewError(errors.ErrCodeOriginTimeout, "timed out")) {
		t.Error("origin timeout should count as a failure")
	}
	if defaultIsSuccessful(stderr.New("boom")) {
		t.Error("plain error should count as a failure")
	}
}

func TestBreaker_Execute_Success(t *testing.T) {
	cb := NewBreaker("fetch", Config{})

	calls := 0
	err := cb.Execute(func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("Function called %d times, want 1", calls)
	}

	counts := cb.GetCounts()
	if counts.TotalSuccesses != 1 || counts.TotalFailures != 0 {
		t.Errorf("Counts = %+v, want 1 success 0 failures", counts)
	}
}

func TestBreaker_TripsAfterFailures(t *testing.T) {
	cb := NewBreaker("store", Config{
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	failing := func() error {
		return errors.NewError(errors.ErrCodeOriginWrite, "write failed")
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(failing)
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("State after 3 failures = %v, want OPEN", cb.GetState())
	}

	// Further requests are shed with a structured error.
	calls := 0
	err := cb.Execute(func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Error("Open breaker still executed the function")
	}
	if !errors.HasCode(err, errors.ErrCodeCircuitOpen) {
		t.Errorf("Open breaker error = %v, want CIRCUIT_OPEN code", err)
	}
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	cb := NewBreaker("fetch", Config{
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})

	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error {
			return errors.NewError(errors.ErrCodeObjectNotFound, "no such object")
		})
	}

	if cb.GetState() != StateClosed {
		t.Errorf("State after repeated not-found = %v, want CLOSED", cb.GetState())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewBreaker("fetch", Config{
		Timeout: 20 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "timed out")
	})
	if cb.GetState() != StateOpen {
		t.Fatalf("State = %v, want OPEN", cb.GetState())
	}

	time.Sleep(30 * time.Millisecond)
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("State after timeout = %v, want HALF_OPEN", cb.GetState())
	}

	// A successful probe closes the breaker.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("State after successful probe = %v, want CLOSED", cb.GetState())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewBreaker("fetch", Config{
		Timeout: 20 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "timed out")
	})
	time.Sleep(30 * time.Millisecond)

	_ = cb.Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "still down")
	})
	if cb.GetState() != StateOpen {
		t.Errorf("State after failed probe = %v, want OPEN", cb.GetState())
	}
}

func TestBreaker_HalfOpenShedsExcessProbes(t *testing.T) {
	cb := NewBreaker("fetch", Config{
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "timed out")
	})
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// The single probe slot is taken; the next request is shed.
	err := cb.Execute(func() error { return nil })
	if !errors.HasCode(err, errors.ErrCodeCircuitOpen) {
		t.Errorf("Excess probe error = %v, want CIRCUIT_OPEN code", err)
	}
	close(release)
}

func TestBreaker_ExecuteWithContext(t *testing.T) {
	cb := NewBreaker("fetch", Config{})

	type ctxKey string
	ctx := context.WithValue(context.Background(), ctxKey("k"), "v")
	var seen interface{}
	err := cb.ExecuteWithContext(ctx, func(ctx context.Context) error {
		seen = ctx.Value(ctxKey("k"))
		return nil
	})

	if err != nil {
		t.Errorf("ExecuteWithContext() error = %v", err)
	}
	if seen != "v" {
		t.Error("Context was not passed through")
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewBreaker("fetch", Config{
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	_ = cb.Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "timed out")
	})
	if cb.GetState() != StateOpen {
		t.Fatalf("State = %v, want OPEN", cb.GetState())
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("State after reset = %v, want CLOSED", cb.GetState())
	}
	if counts := cb.GetCounts(); counts.Requests != 0 {
		t.Errorf("Counts after reset = %+v, want zeroed", counts)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewBreaker("fetch", Config{
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "timed out")
	})

	if len(transitions) != 1 || transitions[0] != "CLOSED>OPEN" {
		t.Errorf("Transitions = %v, want [CLOSED>OPEN]", transitions)
	}
}

func TestManager_GetBreaker(t *testing.T) {
	m := NewManager(Config{})

	fetch := m.GetBreaker("fetch")
	store := m.GetBreaker("store")
	again := m.GetBreaker("fetch")

	if fetch == store {
		t.Error("Different names should return different breakers")
	}
	if fetch != again {
		t.Error("Same name should return the same breaker")
	}
	if fetch.Name() != "fetch" {
		t.Errorf("Name = %q, want fetch", fetch.Name())
	}
}

func TestManager_GetStats(t *testing.T) {
	m := NewManager(Config{})
	_ = m.GetBreaker("fetch").Execute(func() error { return nil })
	_ = m.GetBreaker("store").Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginWrite, "write failed")
	})

	stats := m.GetStats()
	if len(stats) != 2 {
		t.Fatalf("Stats size = %d, want 2", len(stats))
	}
	if stats["fetch"].Counts.TotalSuccesses != 1 {
		t.Errorf("fetch successes = %d, want 1", stats["fetch"].Counts.TotalSuccesses)
	}
	if stats["store"].Counts.TotalFailures != 1 {
		t.Errorf("store failures = %d, want 1", stats["store"].Counts.TotalFailures)
	}
	if stats["fetch"].State != "CLOSED" {
		t.Errorf("fetch state = %q, want CLOSED", stats["fetch"].State)
	}
}

func TestManager_HealthCheck(t *testing.T) {
	m := NewManager(Config{
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	if err := m.HealthCheck(); err != nil {
		t.Errorf("HealthCheck with no breakers = %v, want nil", err)
	}

	_ = m.GetBreaker("fetch").Execute(func() error {
		return errors.NewError(errors.ErrCodeOriginTimeout, "timed out")
	})

	if err := m.HealthCheck(); err == nil {
		t.Error("HealthCheck with an open breaker should fail")
	}

	m.ResetAll()
	if err := m.HealthCheck(); err != nil {
		t.Errorf("HealthCheck after reset = %v, want nil", err)
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			names := []string{"fetch", "store", "delete"}
			for i := 0; i < 100; i++ {
				cb := m.GetBreaker(names[(g+i)%len(names)])
				_ = cb.Execute(func() error { return nil })
			}
		}(g)
	}
	wg.Wait()

	stats := m.GetStats()
	if len(stats) != 3 {
		t.Errorf("Stats size = %d, want 3", len(stats))
	}

	var total uint32
	for _, s := range stats {
		total += s.Counts.TotalSuccesses
	}
	if total != 800 {
		t.Errorf("Total successes = %d, want 800", total)
	}
}
