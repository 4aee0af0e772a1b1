package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

// Collector exposes engine counters through a dedicated Prometheus registry.
// A disabled collector is a valid value whose record methods are no-ops.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	decisionCounter *prometheus.CounterVec
	decisionSeconds prometheus.Histogram
	rewardCounter   *prometheus.CounterVec
	rewardValue     prometheus.Histogram
	exploration     prometheus.Gauge
	occupancyGauge  *prometheus.GaugeVec
	pendingRewards  prometheus.Gauge
	patternsLearned prometheus.Gauge
	prefetchCounter *prometheus.CounterVec
	originCounter   *prometheus.CounterVec
	originSeconds   *prometheus.HistogramVec
	snapshotCounter *prometheus.CounterVec
}

// NewCollector creates a metrics collector. A nil config enables the
// collector with default naming.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "adaptivecache",
		}
	}
	if config.Namespace == "" {
		config.Namespace = "adaptivecache"
	}

	if !config.Enabled {
		return &Collector{cfg: *config}, nil
	}

	collector := &Collector{
		cfg:      *config,
		registry: prometheus.NewRegistry(),
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool {
	return c.cfg.Enabled
}

// Registry returns the backing registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.cfg.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordRequest counts one access and its hit/miss outcome.
func (c *Collector) RecordRequest(shard int, hit bool) {
	if !c.cfg.Enabled {
		return
	}
	c.requestCounter.With(prometheus.Labels{
		"shard":   strconv.Itoa(shard),
		"outcome": map[bool]string{true: "hit", false: "miss"}[hit],
	}).Inc()
}

// RecordDecision counts one policy decision by action.
func (c *Collector) RecordDecision(action types.Action) {
	if !c.cfg.Enabled {
		return
	}
	c.decisionCounter.With(prometheus.Labels{
		"action": action.String(),
	}).Inc()
}

// RecordDecisionLatency observes the wall time of one decision cycle.
func (c *Collector) RecordDecisionLatency(d time.Duration) {
	if !c.cfg.Enabled {
		return
	}
	c.decisionSeconds.Observe(d.Seconds())
}

// RecordReward counts one settled reward signal and observes its value.
func (c *Collector) RecordReward(outcome types.Outcome, value float64) {
	if !c.cfg.Enabled {
		return
	}
	c.rewardCounter.With(prometheus.Labels{
		"outcome": outcome.String(),
	}).Inc()
	c.rewardValue.Observe(value)
}

// SetExplorationRate publishes the policy's current exploration rate.
func (c *Collector) SetExplorationRate(rate float64) {
	if !c.cfg.Enabled {
		return
	}
	c.exploration.Set(rate)
}

// SetOccupancy publishes the entry count of one shard.
func (c *Collector) SetOccupancy(shard, entries int) {
	if !c.cfg.Enabled {
		return
	}
	c.occupancyGauge.With(prometheus.Labels{
		"shard": strconv.Itoa(shard),
	}).Set(float64(entries))
}

// SetPendingRewards publishes the number of unsettled decisions.
func (c *Collector) SetPendingRewards(n int) {
	if !c.cfg.Enabled {
		return
	}
	c.pendingRewards.Set(float64(n))
}

// SetPatternsLearned publishes the predictor's learned context count.
func (c *Collector) SetPatternsLearned(n int) {
	if !c.cfg.Enabled {
		return
	}
	c.patternsLearned.Set(float64(n))
}

// RecordPrefetch counts one prefetch pipeline event. Events are
// "issued", "filled", "hit", "dropped", and "skipped".
func (c *Collector) RecordPrefetch(event string) {
	if !c.cfg.Enabled {
		return
	}
	c.prefetchCounter.With(prometheus.Labels{
		"event": event,
	}).Inc()
}

// RecordOrigin counts one origin tier operation with its latency.
func (c *Collector) RecordOrigin(operation string, d time.Duration, err error) {
	if !c.cfg.Enabled {
		return
	}
	c.originCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    statusLabel(err),
	}).Inc()
	c.originSeconds.With(prometheus.Labels{
		"operation": operation,
	}).Observe(d.Seconds())
}

// RecordSnapshot counts one snapshot save or load attempt.
func (c *Collector) RecordSnapshot(operation string, err error) {
	if !c.cfg.Enabled {
		return
	}
	c.snapshotCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    statusLabel(err),
	}).Inc()
}

func (c *Collector) initMetrics() {
	c.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "requests_total",
			Help:      "Total number of cache requests",
		},
		[]string{"shard", "outcome"},
	)

	c.decisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "decisions_total",
			Help:      "Total number of policy decisions by action",
		},
		[]string{"action"},
	)

	c.decisionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "decision_duration_seconds",
			Help:      "Wall time of one decision cycle",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 12), // 1us to ~4s
		},
	)

	c.rewardCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "rewards_settled_total",
			Help:      "Total number of settled reward signals",
		},
		[]string{"outcome"},
	)

	c.rewardValue = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "reward_value",
			Help:      "Distribution of settled reward values",
			Buckets:   prometheus.LinearBuckets(-2, 0.5, 9), // -2 to +2
		},
	)

	c.exploration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "exploration_rate",
			Help:      "Current epsilon of the adaptive policy",
		},
	)

	c.occupancyGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "occupancy_entries",
			Help:      "Resident entries per shard",
		},
		[]string{"shard"},
	)

	c.pendingRewards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "pending_rewards",
			Help:      "Decisions awaiting reward settlement",
		},
	)

	c.patternsLearned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "patterns_learned",
			Help:      "Access contexts tracked by the sequence predictor",
		},
	)

	c.prefetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "prefetch_events_total",
			Help:      "Prefetch pipeline events",
		},
		[]string{"event"},
	)

	c.originCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "origin_operations_total",
			Help:      "Origin tier operations",
		},
		[]string{"operation", "status"},
	)

	c.originSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "origin_duration_seconds",
			Help:      "Latency of origin tier operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	c.snapshotCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.cfg.Namespace,
			Subsystem: c.cfg.Subsystem,
			Name:      "snapshot_operations_total",
			Help:      "State snapshot save and load attempts",
		},
		[]string{"operation", "status"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.decisionCounter,
		c.decisionSeconds,
		c.rewardCounter,
		c.rewardValue,
		c.exploration,
		c.occupancyGauge,
		c.pendingRewards,
		c.patternsLearned,
		c.prefetchCounter,
		c.originCounter,
		c.originSeconds,
		c.snapshotCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
