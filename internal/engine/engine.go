// Package engine wires the access tracer, feature aggregator, sequence
// predictor, adaptive policy, cache store, reward ledger, prefetcher, and
// origin tier into one decision pipeline. Requests enter through Submit and
// always leave with a definite hit or miss; learning happens as a side
// effect of the reward signals each access settles.
//
// Keys are hashed across independent shards. Each shard owns its feature
// table, store partition, reward ledger, and (unless shared_policy is set) a
// policy agent; the sequence predictor and its access window are engine-wide
// so cross-key patterns survive sharding. Origin fills and write-backs run
// on background workers, never on the request path.
package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adaptivecache/adaptivecache/internal/config"
	"github.com/adaptivecache/adaptivecache/internal/feature"
	"github.com/adaptivecache/adaptivecache/internal/metrics"
	"github.com/adaptivecache/adaptivecache/internal/policy"
	"github.com/adaptivecache/adaptivecache/internal/predict"
	"github.com/adaptivecache/adaptivecache/internal/prefetch"
	"github.com/adaptivecache/adaptivecache/internal/reward"
	"github.com/adaptivecache/adaptivecache/internal/snapshot"
	"github.com/adaptivecache/adaptivecache/internal/store"
	"github.com/adaptivecache/adaptivecache/internal/trace"
	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const (
	originWorkers   = 4
	originQueueSize = 256
	originOpTimeout = 30 * time.Second

	defaultHitLatency    = 100 * time.Microsecond
	defaultMissLatency   = 10 * time.Millisecond
	defaultSweepInterval = time.Second
	defaultFeatureSweep  = time.Minute
)

// shard is one independent decision pipeline. The mutex serializes the
// decision cycle so admit and evict are mutually exclusive per shard.
type shard struct {
	id       int
	mu       sync.Mutex
	features *feature.Aggregator
	store    *store.Store
	ledger   *reward.Ledger
	policy   *policy.Agent
}

// originJob is a deferred origin operation: a read-through fill for an
// entry admitted with an empty handle, or a write-back flush of an evicted
// dirty payload.
type originJob struct {
	sh      *shard
	key     string
	payload []byte
	flush   bool
}

// Engine is the learned cache-replacement engine.
type Engine struct {
	cfg    *config.Configuration
	logger *zap.Logger

	tracer    *trace.Tracer
	predictor *predict.Model
	shards    []*shard
	origin    types.Origin
	prefetch  *prefetch.Prefetcher
	metrics   *metrics.Collector
	learning  *metrics.LearningTracker
	snapshots *snapshot.Manager

	// sharedPolicy is non-nil when all shards learn through one agent.
	sharedPolicy *policy.Agent

	originJobs chan originJob

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// lifecycleMu lets Close wait out in-flight submits before flushing.
	lifecycleMu sync.RWMutex
	started     atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error

	// Runtime tunables, swappable by ApplyTunables while serving.
	hitLatency      atomic.Int64
	missLatency     atomic.Int64
	idleThreshold   atomic.Int64
	prefetchEnabled atomic.Bool

	totalRequests  atomic.Uint64
	totalHits      atomic.Uint64
	evictions      atomic.Uint64
	rewardsSettled atomic.Uint64
	latencyNanos   atomic.Int64
}

// featureRouter lets the engine-wide predictor read per-key statistics from
// whichever shard owns the key.
type featureRouter struct {
	e *Engine
}

func (r featureRouter) Get(key string) (types.KeyFeatures, bool) {
	return r.e.shardFor(key).features.Get(key)
}

// New assembles an engine from the configuration. The origin may be nil for
// a standalone cache; the collector may be nil, which disables metrics; the
// logger may be nil.
func New(cfg *config.Configuration, origin types.Origin, collector *metrics.Collector, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "engine configuration rejected").
			WithComponent("engine").
			WithCause(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		var err error
		collector, err = metrics.NewCollector(&metrics.Config{})
		if err != nil {
			return nil, err
		}
	}

	// Work on a copy so normalization never mutates the caller's config.
	cfgCopy := *cfg
	if cfgCopy.Engine.HitLatency <= 0 {
		cfgCopy.Engine.HitLatency = defaultHitLatency
	}
	if cfgCopy.Engine.MissLatency <= 0 {
		cfgCopy.Engine.MissLatency = defaultMissLatency
	}
	if cfgCopy.Engine.SweepInterval <= 0 {
		cfgCopy.Engine.SweepInterval = defaultSweepInterval
	}
	if cfgCopy.Features.SweepInterval <= 0 {
		cfgCopy.Features.SweepInterval = defaultFeatureSweep
	}

	log := logger.With(zap.String("component", "engine"))

	e := &Engine{
		cfg:      &cfgCopy,
		logger:   log,
		tracer:   trace.New(),
		origin:   origin,
		metrics:  collector,
		learning: metrics.NewLearningTracker(0),
	}
	e.hitLatency.Store(int64(cfgCopy.Engine.HitLatency))
	e.missLatency.Store(int64(cfgCopy.Engine.MissLatency))
	e.idleThreshold.Store(int64(cfgCopy.Features.IdleThreshold))
	e.prefetchEnabled.Store(cfgCopy.Prefetch.Enabled)

	if cfgCopy.Engine.SharedPolicy {
		e.sharedPolicy = policy.New(cfgCopy.Policy, logger)
	}

	perShard := cfgCopy.Engine.Capacity / cfgCopy.Engine.Shards
	if perShard < 1 {
		perShard = 1
	}
	e.shards = make([]*shard, cfgCopy.Engine.Shards)
	for i := range e.shards {
		agent := e.sharedPolicy
		if agent == nil {
			agent = policy.New(cfgCopy.Policy, logger.With(zap.Int("shard", i)))
		}
		e.shards[i] = &shard{
			id:       i,
			features: feature.NewAggregator(cfgCopy.Features.Decay, logger.With(zap.Int("shard", i))),
			store:    store.New(perShard),
			ledger:   reward.NewLedger(cfgCopy.Reward),
			policy:   agent,
		}
	}

	predictorCfg := cfgCopy.Predictor
	predictorCfg.Horizon = cfgCopy.Reward.Horizon
	e.predictor = predict.New(predictorCfg, featureRouter{e})

	e.prefetch = prefetch.New(cfgCopy.Prefetch, origin, collector, logger)

	if cfgCopy.Snapshot.Path != "" {
		e.snapshots = snapshot.NewManager(cfgCopy.Snapshot.Path, logger)
	}

	return e, nil
}

// Start restores persisted state when configured and launches the
// background sweeps and origin workers.
func (e *Engine) Start() error {
	if e.closed.Load() {
		return errors.NewError(errors.ErrCodeEngineClosed, "engine is closed").
			WithComponent("engine").
			WithOperation("Start")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "engine already started").
			WithComponent("engine").
			WithOperation("Start")
	}

	if e.snapshots != nil && e.cfg.Snapshot.LoadOnStart {
		e.loadSnapshot()
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	var gctx context.Context
	e.group, gctx = errgroup.WithContext(e.ctx)

	if e.origin != nil {
		e.originJobs = make(chan originJob, originQueueSize)
		for i := 0; i < originWorkers; i++ {
			e.group.Go(func() error { return e.originWorker(gctx) })
		}
	}
	e.group.Go(func() error { return e.sweepLoop(gctx) })
	e.group.Go(func() error { return e.featureLoop(gctx) })
	if e.snapshots != nil && e.cfg.Snapshot.Interval > 0 {
		e.group.Go(func() error { return e.snapshotLoop(gctx) })
	}

	e.logger.Info("engine started",
		zap.Int("shards", len(e.shards)),
		zap.Int("capacity", e.capacity()),
		zap.String("predictor", e.cfg.Predictor.Backend),
		zap.Uint64("horizon", e.cfg.Reward.Horizon),
		zap.Bool("prefetch", e.prefetchOn()),
		zap.Bool("origin", e.origin != nil))
	return nil
}

// Close drains the engine: background workers stop, every pending decision
// settles with the default outcome, dirty payloads flush to the origin, and
// learned state is saved when configured. The origin itself belongs to the
// caller and is not closed here. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		// Taking the write lock waits for in-flight submits to finish;
		// every later submit sees the closed flag.
		e.lifecycleMu.Lock()
		e.closed.Store(true)
		e.lifecycleMu.Unlock()

		_ = e.prefetch.Close()
		if e.cancel != nil {
			e.cancel()
		}
		if e.group != nil {
			_ = e.group.Wait()
		}

		for _, sh := range e.shards {
			sh.mu.Lock()
			e.applySignals(sh, sh.ledger.Flush())
			sh.mu.Unlock()
		}

		e.drainOriginQueue()
		e.flushDirty()

		if e.snapshots != nil && e.cfg.Snapshot.SaveOnClose && e.started.Load() {
			if err := e.saveSnapshot(); err != nil {
				e.logger.Warn("failed to save snapshot on close", zap.Error(err))
				e.closeErr = err
			}
		}

		e.logger.Info("engine closed",
			zap.Uint64("requests", e.totalRequests.Load()),
			zap.Uint64("rewards_settled", e.rewardsSettled.Load()),
			zap.Uint64("evictions", e.evictions.Load()))
	})
	return e.closeErr
}

// Submit runs one access through the decision cycle and returns its definite
// outcome. The only request-level failure is a malformed request; capacity
// pressure always resolves to a hit or a miss.
func (e *Engine) Submit(ctx context.Context, raw types.RawRequest) (types.Result, error) {
	e.lifecycleMu.RLock()
	defer e.lifecycleMu.RUnlock()

	if e.closed.Load() {
		return types.Result{}, errors.NewError(errors.ErrCodeEngineClosed, "engine is closed").
			WithComponent("engine").
			WithOperation("Submit")
	}
	if !e.started.Load() {
		return types.Result{}, errors.NewError(errors.ErrCodeNotStarted, "engine not started").
			WithComponent("engine").
			WithOperation("Submit")
	}
	select {
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	default:
	}

	event, err := e.tracer.Record(raw)
	if err != nil {
		return types.Result{}, err
	}

	start := time.Now()
	sh := e.shardFor(event.Key)
	result, jobs := e.process(sh, event)
	e.metrics.RecordDecisionLatency(time.Since(start))

	for _, job := range jobs {
		e.submitOriginJob(job)
	}

	e.totalRequests.Add(1)
	if result.Outcome == types.OutcomeHit {
		e.totalHits.Add(1)
	}
	e.latencyNanos.Add(int64(result.LatencyEstimate))

	return result, nil
}

// SnapshotMetrics returns the engine telemetry snapshot.
func (e *Engine) SnapshotMetrics() types.Metrics {
	requests := e.totalRequests.Load()
	hits := e.totalHits.Load()

	m := types.Metrics{
		TotalRequests:   requests,
		TotalHits:       hits,
		TotalMisses:     requests - hits,
		PatternsLearned: e.predictor.PatternsLearned(),
		Evictions:       e.evictions.Load(),
		RewardsSettled:  e.rewardsSettled.Load(),
		ExplorationRate: e.explorationRate(),
		Shards:          len(e.shards),
	}
	if requests > 0 {
		m.HitRate = float64(hits) / float64(requests)
		m.AvgLatency = time.Duration(e.latencyNanos.Load() / int64(requests))
	}
	for _, sh := range e.shards {
		m.Occupancy += sh.store.Entries()
		m.Capacity += sh.store.Capacity()
		m.FeaturesTracked += sh.features.Len()
	}

	pf := e.prefetch.Stats()
	m.PrefetchIssued = pf.Issued
	m.PrefetchFills = pf.Filled
	m.PrefetchHits = pf.Hits
	m.PrefetchAccuracy = pf.Accuracy()
	return m
}

// LearningSummary reports the recent reward window for the status surface.
func (e *Engine) LearningSummary() metrics.LearningSummary {
	return e.learning.Summary()
}

// ShardStats returns per-shard store statistics.
func (e *Engine) ShardStats() []types.CacheStats {
	out := make([]types.CacheStats, len(e.shards))
	for i, sh := range e.shards {
		out[i] = sh.store.Stats()
	}
	return out
}

// ApplyTunables applies the runtime-safe subset of a reloaded
// configuration: the latency model, the prefetch toggle, the feature idle
// threshold, and the exploration floor. Structural settings such as
// capacity, shard count, and predictor backend need a restart and are
// ignored here.
func (e *Engine) ApplyTunables(cfg *config.Configuration) {
	if cfg == nil {
		return
	}
	if cfg.Engine.HitLatency > 0 {
		e.hitLatency.Store(int64(cfg.Engine.HitLatency))
	}
	if cfg.Engine.MissLatency > 0 {
		e.missLatency.Store(int64(cfg.Engine.MissLatency))
	}
	if cfg.Features.IdleThreshold > 0 {
		e.idleThreshold.Store(int64(cfg.Features.IdleThreshold))
	}
	e.prefetchEnabled.Store(cfg.Prefetch.Enabled)

	if e.sharedPolicy != nil {
		e.sharedPolicy.SetExplorationFloor(cfg.Policy.ExplorationFloor)
	} else {
		for _, sh := range e.shards {
			sh.policy.SetExplorationFloor(cfg.Policy.ExplorationFloor)
		}
	}

	e.logger.Info("applied runtime tunables",
		zap.Duration("hit_latency", time.Duration(e.hitLatency.Load())),
		zap.Duration("miss_latency", time.Duration(e.missLatency.Load())),
		zap.Bool("prefetch", cfg.Prefetch.Enabled),
		zap.Float64("exploration_floor", cfg.Policy.ExplorationFloor))
}

func (e *Engine) shardFor(key string) *shard {
	if len(e.shards) == 1 {
		return e.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *Engine) capacity() int {
	total := 0
	for _, sh := range e.shards {
		total += sh.store.Capacity()
	}
	return total
}

func (e *Engine) explorationRate() float64 {
	if e.sharedPolicy != nil {
		return e.sharedPolicy.ExplorationRate()
	}
	sum := 0.0
	for _, sh := range e.shards {
		sum += sh.policy.ExplorationRate()
	}
	return sum / float64(len(e.shards))
}

func (e *Engine) prefetchOn() bool {
	return e.prefetchEnabled.Load() && e.prefetch.Enabled()
}

func (e *Engine) hitLatencyDur() time.Duration {
	return time.Duration(e.hitLatency.Load())
}

func (e *Engine) missLatencyDur() time.Duration {
	return time.Duration(e.missLatency.Load())
}

// sweepLoop settles overdue decisions for shards the request stream has
// gone quiet on, and refreshes the telemetry gauges.
func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Engine.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	seq := e.tracer.Sequence()
	for _, sh := range e.shards {
		sh.mu.Lock()
		e.applySignals(sh, sh.ledger.ExpireThrough(seq))
		sh.mu.Unlock()
	}
	e.refreshGauges()
}

// featureLoop garbage-collects key features idle past the threshold.
func (e *Engine) featureLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Features.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			threshold := time.Duration(e.idleThreshold.Load())
			for _, sh := range e.shards {
				sh.features.EvictStale(threshold)
			}
		}
	}
}

func (e *Engine) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Snapshot.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.saveSnapshot(); err != nil {
				e.logger.Warn("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) refreshGauges() {
	pending := 0
	for _, sh := range e.shards {
		pending += sh.ledger.Len()
		e.metrics.SetOccupancy(sh.id, sh.store.Entries())
	}
	e.metrics.SetPendingRewards(pending)
	e.metrics.SetPatternsLearned(e.predictor.PatternsLearned())
	e.metrics.SetExplorationRate(e.explorationRate())
}

// originWorker drains fill and flush jobs.
func (e *Engine) originWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-e.originJobs:
			if job.flush {
				e.runFlush(job)
			} else {
				e.runFill(job)
			}
		}
	}
}

// runFlush writes an evicted dirty payload back to the origin. The write
// runs under its own deadline rather than the engine context so a shutdown
// does not abandon a payload that no longer exists anywhere else.
func (e *Engine) runFlush(job originJob) {
	ctx, cancel := context.WithTimeout(context.Background(), originOpTimeout)
	defer cancel()

	start := time.Now()
	err := e.origin.Store(ctx, job.key, job.payload)
	e.metrics.RecordOrigin("flush", time.Since(start), err)
	if err != nil {
		e.logger.Warn("write-back failed",
			zap.String("key", job.key),
			zap.Int("bytes", len(job.payload)),
			zap.Error(err))
	}
}

// runFill backfills the payload of an entry admitted on a read miss. Fills
// are speculative, so they ride the engine context and abort on shutdown.
func (e *Engine) runFill(job originJob) {
	ctx, cancel := context.WithTimeout(e.ctx, originOpTimeout)
	defer cancel()

	start := time.Now()
	payload, err := e.origin.Fetch(ctx, job.key)
	e.metrics.RecordOrigin("fill", time.Since(start), err)
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeObjectNotFound) {
			e.logger.Debug("origin fill failed",
				zap.String("key", job.key),
				zap.Error(err))
		}
		return
	}
	job.sh.store.Fill(job.key, payload)
}

// submitOriginJob hands a job to the workers without blocking the request
// path. Fills are speculative and drop silently under pressure; a dropped
// flush loses the payload's only remaining copy, so it is logged loudly.
func (e *Engine) submitOriginJob(job originJob) {
	if e.originJobs == nil {
		return
	}
	select {
	case e.originJobs <- job:
	default:
		if job.flush {
			e.logger.Warn("write-back queue full, dropping flush",
				zap.String("key", job.key),
				zap.Int("bytes", len(job.payload)))
		}
	}
}

// drainOriginQueue runs the write-backs still queued after the workers have
// exited. Queued fills are discarded.
func (e *Engine) drainOriginQueue() {
	if e.originJobs == nil {
		return
	}
	for {
		select {
		case job := <-e.originJobs:
			if job.flush {
				e.runFlush(job)
			}
		default:
			return
		}
	}
}

// flushDirty writes every still-resident dirty entry to the origin.
func (e *Engine) flushDirty() {
	if e.origin == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), originOpTimeout)
	defer cancel()

	for _, sh := range e.shards {
		for _, entry := range sh.store.DirtyEntries() {
			payload, ok := sh.store.Payload(entry.Key)
			if !ok {
				continue
			}
			start := time.Now()
			err := e.origin.Store(ctx, entry.Key, payload)
			e.metrics.RecordOrigin("flush", time.Since(start), err)
			if err != nil {
				e.logger.Warn("close-time write-back failed",
					zap.String("key", entry.Key),
					zap.Error(err))
				continue
			}
			sh.store.MarkClean(entry.Key)
		}
	}
}

func (e *Engine) saveSnapshot() error {
	doc := &snapshot.Document{Shards: make([]snapshot.ShardState, len(e.shards))}
	for i, sh := range e.shards {
		doc.Shards[i] = snapshot.ShardState{
			Policy:   sh.policy.Export(),
			Features: sh.features.Export(),
		}
	}
	weights, bias, updates := e.predictor.Weights()
	doc.Predictor = snapshot.PredictorState{Weights: weights, Bias: bias, Updates: updates}

	err := e.snapshots.Save(doc)
	e.metrics.RecordSnapshot("save", err)
	return err
}

// loadSnapshot restores learned state, failing closed to a cold start on
// any mismatch; partial state is never imported.
func (e *Engine) loadSnapshot() {
	doc, err := e.snapshots.Load()
	e.metrics.RecordSnapshot("load", err)
	if err != nil {
		e.logger.Warn("snapshot rejected, starting cold", zap.Error(err))
		return
	}
	if doc == nil {
		e.logger.Info("no snapshot on disk, starting cold",
			zap.String("path", e.snapshots.Path()))
		return
	}
	if len(doc.Shards) != len(e.shards) {
		e.logger.Warn("snapshot shard layout mismatch, starting cold",
			zap.Int("snapshot_shards", len(doc.Shards)),
			zap.Int("engine_shards", len(e.shards)))
		return
	}

	// Trial-import every policy state before touching live agents.
	for i := range doc.Shards {
		probe := policy.New(e.cfg.Policy, zap.NewNop())
		if err := probe.Import(doc.Shards[i].Policy); err != nil {
			e.logger.Warn("snapshot policy state invalid, starting cold",
				zap.Int("shard", i),
				zap.Error(err))
			return
		}
	}

	if e.sharedPolicy != nil {
		_ = e.sharedPolicy.Import(doc.Shards[0].Policy)
	}
	for i, sh := range e.shards {
		if e.sharedPolicy == nil {
			_ = sh.policy.Import(doc.Shards[i].Policy)
		}
		sh.features.Import(doc.Shards[i].Features)
	}
	e.predictor.ImportWeights(doc.Predictor.Weights, doc.Predictor.Bias, doc.Predictor.Updates)

	e.logger.Info("restored learned state",
		zap.Time("saved_at", doc.SavedAt),
		zap.Int("shards", len(doc.Shards)))
}
