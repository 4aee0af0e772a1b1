// Package health tracks component health and derives the overall service
// state reported by the readiness endpoints.
//
// Components degrade on consecutive errors and recover on consecutive
// successes. Origin write failures map to a read-only state: cached reads
// and fills keep working while dirty evictions cannot be flushed.
package health

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
)

// State is the health state of a component or of the service as a whole.
// Higher values are worse; the overall state is the worst component state.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateReadOnly
	StateUnavailable
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Component is a snapshot of one tracked component.
type Component struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastTransition    time.Time `json:"last_transition"`
	LastChecked       time.Time `json:"last_checked"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Probe checks one component. A nil error counts as a success.
type Probe func(ctx context.Context) error

// TransitionFunc observes component state changes.
type TransitionFunc func(component string, from, to State, err error)

// Config controls degradation thresholds and the probe loop.
type Config struct {
	// ErrorThreshold is the consecutive error count at which a component
	// leaves the healthy state.
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the consecutive error count at which a
	// component is marked unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// ProbeInterval is how often registered probes run.
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`

	// ProbeTimeout bounds a single probe invocation.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		ProbeInterval:        15 * time.Second,
		ProbeTimeout:         5 * time.Second,
	}
}

// Tracker tracks registered components and computes the overall state.
type Tracker struct {
	mu          sync.RWMutex
	cfg         Config
	components  map[string]*Component
	probes      map[string]Probe
	transitions []TransitionFunc
}

// NewTracker creates a tracker. Zero or negative config fields fall back
// to the defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.UnavailableThreshold <= 0 {
		cfg.UnavailableThreshold = def.UnavailableThreshold
	}
	if cfg.UnavailableThreshold < cfg.ErrorThreshold {
		cfg.UnavailableThreshold = cfg.ErrorThreshold
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &Tracker{
		cfg:        cfg,
		components: make(map[string]*Component),
		probes:     make(map[string]Probe),
	}
}

// Register adds a component in the healthy state. The probe may be nil for
// components whose health is reported with RecordSuccess and RecordError
// directly. Registering an existing name replaces its probe only.
func (t *Tracker) Register(name string, probe Probe) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.components[name]; !ok {
		now := time.Now()
		t.components[name] = &Component{
			Name:           name,
			State:          StateHealthy,
			LastTransition: now,
			LastChecked:    now,
		}
	}
	if probe != nil {
		t.probes[name] = probe
	}
}

// OnTransition registers a callback invoked after every state change.
// Callbacks run outside the tracker lock, in registration order.
func (t *Tracker) OnTransition(fn TransitionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transitions = append(t.transitions, fn)
}

// RecordSuccess records a successful operation for a component. Consecutive
// errors drain one per success; the component returns to healthy when the
// count reaches zero.
func (t *Tracker) RecordSuccess(name string) {
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}

	c.LastChecked = time.Now()
	from := c.State
	if c.ConsecutiveErrors > 0 {
		c.ConsecutiveErrors--
	}
	if c.ConsecutiveErrors == 0 && c.State != StateHealthy {
		c.State = StateHealthy
		c.LastTransition = time.Now()
		c.LastError = ""
	}
	to := c.State
	fns := t.callbacksLocked()
	t.mu.Unlock()

	if from != to {
		for _, fn := range fns {
			fn(name, from, to, nil)
		}
	}
}

// RecordError records a failed operation for a component and transitions it
// when the consecutive error count crosses a threshold.
func (t *Tracker) RecordError(name string, err error) {
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}

	c.LastChecked = time.Now()
	c.ConsecutiveErrors++
	if err != nil {
		c.LastError = err.Error()
	}

	from := c.State
	next := from
	switch {
	case c.ConsecutiveErrors >= t.cfg.UnavailableThreshold:
		next = StateUnavailable
	case c.ConsecutiveErrors >= t.cfg.ErrorThreshold:
		if writeFailure(err) {
			next = StateReadOnly
		} else {
			next = StateDegraded
		}
	}
	if next != from {
		c.State = next
		c.LastTransition = time.Now()
	}
	fns := t.callbacksLocked()
	t.mu.Unlock()

	if from != next {
		for _, fn := range fns {
			fn(name, from, next, err)
		}
	}
}

// State returns the state of a component, or StateUnavailable for an
// unregistered name.
func (t *Tracker) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[name]; ok {
		return c.State
	}
	return StateUnavailable
}

// Component returns a snapshot of one component.
func (t *Tracker) Component(name string) (Component, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.components[name]
	if !ok {
		return Component{}, false
	}
	return *c, true
}

// Components returns snapshots of all components, sorted by name.
func (t *Tracker) Components() []Component {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst state across all components. A tracker with no
// components is healthy.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, c := range t.components {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// Ready reports whether the service can accept requests at all.
func (t *Tracker) Ready() bool {
	return t.Overall() != StateUnavailable
}

// CanWrite reports whether a component can take writes.
func (t *Tracker) CanWrite(name string) bool {
	s := t.State(name)
	return s == StateHealthy || s == StateDegraded
}

// CheckNow runs every registered probe once and records the results.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	probes := make(map[string]Probe, len(t.probes))
	for name, p := range t.probes {
		probes[name] = p
	}
	timeout := t.cfg.ProbeTimeout
	t.mu.RUnlock()

	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := probe(probeCtx)
		cancel()
		if err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// Run probes registered components at the configured interval until the
// context is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx)
		}
	}
}

func (t *Tracker) callbacksLocked() []TransitionFunc {
	fns := make([]TransitionFunc, len(t.transitions))
	copy(fns, t.transitions)
	return fns
}

// writeFailure reports whether the error indicates writes are failing while
// reads may still succeed.
func writeFailure(err error) bool {
	return errors.HasCode(err, errors.ErrCodeOriginWrite)
}
