// Package trace normalizes heterogeneous access requests into the canonical
// event stream consumed by the rest of the engine.
package trace

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// Tracer turns raw requests into immutable AccessEvents. It is stateless
// beyond the monotonic sequence counter and safe for concurrent use.
type Tracer struct {
	sequence atomic.Uint64
}

// New creates a tracer starting at sequence zero.
func New() *Tracer {
	return &Tracer{}
}

// Record normalizes one raw request into an AccessEvent. It fails with a
// MALFORMED_REQUEST category error when the key, kind, or size cannot be
// derived; valid requests always get a request id, a monotonic sequence
// number, and a timestamp.
func (t *Tracer) Record(raw types.RawRequest) (types.AccessEvent, error) {
	key := strings.TrimSpace(raw.Key)
	if key == "" {
		return types.AccessEvent{}, errors.NewError(errors.ErrCodeMissingKey, "request has no key").
			WithComponent("trace").
			WithOperation("Record")
	}

	kind, err := parseKind(raw.Kind)
	if err != nil {
		return types.AccessEvent{}, err
	}

	size := raw.Size
	if size < 0 {
		return types.AccessEvent{}, errors.Newf(errors.ErrCodeInvalidSize, "negative size %d", raw.Size).
			WithComponent("trace").
			WithOperation("Record").
			WithContext("key", key)
	}
	if size == 0 && len(raw.Payload) > 0 {
		size = int64(len(raw.Payload))
	}

	when := raw.Time
	if when.IsZero() {
		when = time.Now()
	}

	return types.AccessEvent{
		RequestID: uuid.NewString(),
		Key:       key,
		Sequence:  t.sequence.Add(1),
		Time:      when,
		Kind:      kind,
		Size:      size,
		Payload:   raw.Payload,
	}, nil
}

// Sequence reports the number of events recorded so far.
func (t *Tracer) Sequence() uint64 {
	return t.sequence.Load()
}

// parseKind maps the accepted kind aliases onto the canonical event kinds.
// An empty kind defaults to read, matching block-trace conventions.
func parseKind(kind string) (types.EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "r", "read", "get":
		return types.KindRead, nil
	case "w", "write", "put":
		return types.KindWrite, nil
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidKind, "unrecognized kind %q", kind).
			WithComponent("trace").
			WithOperation("Record")
	}
}
