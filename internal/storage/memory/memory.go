// Package memory implements an in-process origin tier. It backs the
// "memory" origin type for development and load testing, and gives the
// engine tests a controllable slow tier.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// Config controls the simulated origin behavior.
type Config struct {
	// Latency is added to every operation to mimic a slow tier.
	Latency time.Duration `yaml:"latency"`
}

// Origin stores objects in a map guarded by a lock.
type Origin struct {
	mu      sync.RWMutex
	objects map[string][]byte
	latency time.Duration
	failure error

	fetches int64
	stores  int64
}

// Stats summarizes origin activity.
type Stats struct {
	Objects int64 `json:"objects"`
	Fetches int64 `json:"fetches"`
	Stores  int64 `json:"stores"`
}

var _ types.Origin = (*Origin)(nil)

// New creates an empty in-memory origin.
func New(cfg *Config) *Origin {
	o := &Origin{objects: make(map[string][]byte)}
	if cfg != nil {
		o.latency = cfg.Latency
	}
	return o
}

// Seed preloads objects, copying every payload.
func (o *Origin) Seed(objects map[string][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, payload := range objects {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		o.objects[key] = buf
	}
}

// SetFailure makes every subsequent operation return err. Pass nil to
// restore normal behavior.
func (o *Origin) SetFailure(err error) {
	o.mu.Lock()
	o.failure = err
	o.mu.Unlock()
}

// Fetch returns a copy of the stored payload.
func (o *Origin) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := o.simulate(ctx); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failure != nil {
		return nil, o.failure
	}
	o.fetches++

	payload, ok := o.objects[key]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeObjectNotFound, "object not found: %s", key).
			WithComponent("memory").
			WithOperation("fetch").
			WithContext("key", key)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	return buf, nil
}

// Store keeps a copy of the payload.
func (o *Origin) Store(ctx context.Context, key string, payload []byte) error {
	if err := o.simulate(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failure != nil {
		return o.failure
	}
	o.stores++

	buf := make([]byte, len(payload))
	copy(buf, payload)
	o.objects[key] = buf
	return nil
}

// HealthCheck reports the injected failure, if any.
func (o *Origin) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.failure
}

// Close is a no-op for the in-memory origin.
func (o *Origin) Close() error {
	return nil
}

// Len returns the number of stored objects.
func (o *Origin) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.objects)
}

// Contains reports whether key is present without counting a fetch.
func (o *Origin) Contains(key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.objects[key]
	return ok
}

// GetStats returns the current counters.
func (o *Origin) GetStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Stats{
		Objects: int64(len(o.objects)),
		Fetches: o.fetches,
		Stores:  o.stores,
	}
}

// simulate applies the configured latency, honoring cancellation.
func (o *Origin) simulate(ctx context.Context) error {
	if o.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(o.latency):
		return nil
	case <-ctx.Done():
		return errors.Newf(errors.ErrCodeOriginTimeout, "operation canceled: %v", ctx.Err()).
			WithComponent("memory").
			WithCause(ctx.Err())
	}
}
