// Package prefetch speculatively pulls predicted-next keys from the origin
// tier into a staging buffer ahead of demand. A worker pool drains a bounded
// job queue under a token-bucket rate limit; fetched payloads wait in the
// buffer until a lookup claims them or FIFO overflow displaces them.
package prefetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adaptivecache/adaptivecache/internal/metrics"
	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const fetchTimeout = 5 * time.Second

// Config holds the predictive prefetcher settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Workers is the fetch worker count; QueueSize bounds queued fetches.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// RatePerSecond and Burst throttle origin fetches.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`

	// BufferSize is the staging buffer capacity, distinct from the main
	// cache.
	BufferSize int `yaml:"buffer_size"`

	// Fanout is how many predicted successors each access may enqueue.
	Fanout int `yaml:"fanout"`

	// MinConfidence gates predictions below this score.
	MinConfidence float64 `yaml:"min_confidence"`
}

// Stats is a point-in-time snapshot of prefetcher counters.
type Stats struct {
	Issued  uint64 `json:"issued"`
	Filled  uint64 `json:"filled"`
	Hits    uint64 `json:"hits"`
	Skipped uint64 `json:"skipped"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
	Staged  int    `json:"staged"`
	Pending int    `json:"pending"`
}

// Accuracy is hits over fills, the fraction of prefetched payloads that
// were claimed before displacement.
func (s Stats) Accuracy() float64 {
	if s.Filled == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Filled)
}

type job struct {
	key   string
	score float64
}

// Prefetcher runs the speculative fetch pipeline for one engine. A
// prefetcher built without an origin, or with Enabled false, accepts every
// call and does nothing.
type Prefetcher struct {
	cfg     Config
	origin  types.Origin
	buffer  *Buffer
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger

	queue     chan job
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
	issued  uint64
	filled  uint64
	hits    uint64
	skipped uint64
	dropped uint64
	errors  uint64
}

// New creates a prefetcher over origin. Passing a nil origin disables
// prefetching regardless of cfg.Enabled.
func New(cfg Config, origin types.Origin, collector *metrics.Collector, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Prefetcher{
		cfg:     cfg,
		origin:  origin,
		metrics: collector,
		logger:  logger.With(zap.String("component", "prefetch")),
	}
	if !cfg.Enabled || origin == nil {
		p.cfg.Enabled = false
		return p
	}

	if p.cfg.Workers <= 0 {
		p.cfg.Workers = 4
	}
	if p.cfg.QueueSize <= 0 {
		p.cfg.QueueSize = 256
	}
	if p.cfg.Fanout <= 0 {
		p.cfg.Fanout = 3
	}

	limit := rate.Inf
	burst := p.cfg.Burst
	if p.cfg.RatePerSecond > 0 {
		limit = rate.Limit(p.cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	p.buffer = NewBuffer(p.cfg.BufferSize)
	p.limiter = rate.NewLimiter(limit, burst)
	p.queue = make(chan job, p.cfg.QueueSize)
	p.pending = make(map[string]struct{})
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Info("prefetcher started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("buffer_size", p.cfg.BufferSize),
		zap.Float64("rate_per_second", p.cfg.RatePerSecond))
	return p
}

// Enabled reports whether the pipeline is live.
func (p *Prefetcher) Enabled() bool {
	return p.cfg.Enabled
}

// Enqueue queues fetch jobs for predicted successors, best candidate first.
// resident reports keys already served by the main store. Candidates below
// the confidence gate, already staged, or already in flight are skipped;
// candidates that do not fit in the queue are dropped.
func (p *Prefetcher) Enqueue(candidates []types.Prediction, resident func(string) bool) {
	if !p.cfg.Enabled || len(candidates) == 0 {
		return
	}
	if len(candidates) > p.cfg.Fanout {
		candidates = candidates[:p.cfg.Fanout]
	}

	for _, cand := range candidates {
		if cand.Score < p.cfg.MinConfidence {
			p.recordSkip(cand.Key, "below confidence gate")
			continue
		}
		if resident != nil && resident(cand.Key) {
			p.recordSkip(cand.Key, "resident")
			continue
		}
		if p.buffer.Contains(cand.Key) {
			p.recordSkip(cand.Key, "staged")
			continue
		}

		p.mu.Lock()
		if _, inFlight := p.pending[cand.Key]; inFlight {
			p.mu.Unlock()
			p.recordSkip(cand.Key, "in flight")
			continue
		}
		p.pending[cand.Key] = struct{}{}
		p.mu.Unlock()

		select {
		case p.queue <- job{key: cand.Key, score: cand.Score}:
			p.mu.Lock()
			p.issued++
			p.mu.Unlock()
			p.record("issued")
		default:
			p.mu.Lock()
			delete(p.pending, cand.Key)
			p.dropped++
			p.mu.Unlock()
			p.record("dropped")
		}
	}
}

// Take claims a staged payload. A successful take counts as a prefetch hit;
// the caller promotes the payload into the main store.
func (p *Prefetcher) Take(key string) ([]byte, bool) {
	if !p.cfg.Enabled {
		return nil, false
	}
	payload, ok := p.buffer.Take(key)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	p.hits++
	p.mu.Unlock()
	p.record("hit")
	return payload, true
}

// Contains reports whether key is staged, without claiming it.
func (p *Prefetcher) Contains(key string) bool {
	return p.cfg.Enabled && p.buffer.Contains(key)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Prefetcher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Issued:  p.issued,
		Filled:  p.filled,
		Hits:    p.hits,
		Skipped: p.skipped,
		Dropped: p.dropped,
		Errors:  p.errors,
		Pending: len(p.pending),
	}
	if p.buffer != nil {
		stats.Staged = p.buffer.Len()
	}
	return stats
}

// Close stops the workers and waits for in-flight fetches to finish.
func (p *Prefetcher) Close() error {
	if !p.cfg.Enabled {
		return nil
	}
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.fetch(j)
		}
	}
}

func (p *Prefetcher) fetch(j job) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, j.key)
		p.mu.Unlock()
	}()

	if err := p.limiter.Wait(p.ctx); err != nil {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.record("dropped")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, fetchTimeout)
	defer cancel()

	start := time.Now()
	payload, err := p.origin.Fetch(ctx, j.key)
	if p.metrics != nil {
		p.metrics.RecordOrigin("prefetch", time.Since(start), err)
	}
	if err != nil {
		notFound := errors.HasCode(err, errors.ErrCodeObjectNotFound)
		p.mu.Lock()
		if notFound {
			p.skipped++
		} else {
			p.errors++
		}
		p.mu.Unlock()
		if notFound {
			p.record("skipped")
			return
		}
		p.logger.Debug("prefetch fetch failed",
			zap.String("key", j.key),
			zap.Error(err))
		return
	}

	displaced, overflow := p.buffer.Put(j.key, payload)
	p.mu.Lock()
	p.filled++
	if overflow {
		p.dropped++
	}
	p.mu.Unlock()
	p.record("filled")
	if overflow {
		p.record("dropped")
		p.logger.Debug("staged entry displaced before use",
			zap.String("displaced", displaced),
			zap.String("by", j.key))
	}
}

func (p *Prefetcher) record(event string) {
	if p.metrics != nil {
		p.metrics.RecordPrefetch(event)
	}
}

func (p *Prefetcher) recordSkip(key, reason string) {
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
	p.record("skipped")
	p.logger.Debug("prefetch candidate skipped",
		zap.String("key", key),
		zap.String("reason", reason))
}
