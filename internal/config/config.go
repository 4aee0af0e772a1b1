package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/adaptivecache/adaptivecache/internal/policy"
	"github.com/adaptivecache/adaptivecache/internal/predict"
	"github.com/adaptivecache/adaptivecache/internal/prefetch"
	"github.com/adaptivecache/adaptivecache/internal/reward"
	"github.com/adaptivecache/adaptivecache/pkg/logging"
)

// Configuration is the complete engine configuration.
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Logging   logging.Config  `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Features  FeatureConfig   `yaml:"features"`
	Predictor predict.Config  `yaml:"predictor"`
	Policy    policy.Config   `yaml:"policy"`
	Reward    reward.Config   `yaml:"reward"`
	Prefetch  prefetch.Config `yaml:"prefetch"`
	Origin    OriginConfig    `yaml:"origin"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	// ListenAddress is where the HTTP surface (health, status, metrics)
	// binds.
	ListenAddress string `yaml:"listen_address"`
}

// EngineConfig holds the decision-pipeline settings.
type EngineConfig struct {
	// Capacity is the resident-entry bound for the whole engine; each shard
	// owns Capacity/Shards entries.
	Capacity int `yaml:"capacity"`

	// Shards is the number of independent pipelines keys are hashed across.
	Shards int `yaml:"shards"`

	// SharedPolicy makes all shards learn through one policy agent instead
	// of per-shard agents.
	SharedPolicy bool `yaml:"shared_policy"`

	// EvictionSample bounds how many cold-end candidates the policy sees
	// per eviction.
	EvictionSample int `yaml:"eviction_sample"`

	// HitLatency and MissLatency drive the latency estimate attached to
	// results.
	HitLatency  time.Duration `yaml:"hit_latency"`
	MissLatency time.Duration `yaml:"miss_latency"`

	// SweepInterval is the cadence of the background settlement sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// FeatureConfig holds aggregator settings.
type FeatureConfig struct {
	// Decay is the EMA constant in (0,1).
	Decay float64 `yaml:"decay"`

	// IdleThreshold garbage-collects key features untouched this long.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// SweepInterval is the cadence of the stale-feature sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// OriginConfig selects and tunes the backing tier.
type OriginConfig struct {
	// Type is none, memory, or s3.
	Type string `yaml:"type"`

	S3 S3OriginConfig `yaml:"s3"`
}

// S3OriginConfig holds the S3 origin settings.
type S3OriginConfig struct {
	Region           string `yaml:"region"`
	Bucket           string `yaml:"bucket"`
	Prefix           string `yaml:"prefix"`
	Endpoint         string `yaml:"endpoint"`
	UsePathStyle     bool   `yaml:"use_path_style"`
	PoolSize         int    `yaml:"pool_size"`
	RetryMaxAttempts int    `yaml:"retry_max_attempts"`

	// Cargoship enables the optimized upload path for large write-backs.
	Cargoship            bool   `yaml:"cargoship"`
	StorageClass         string `yaml:"storage_class"`
	MultipartThresholdMB int    `yaml:"multipart_threshold_mb"`
	MultipartChunkMB     int    `yaml:"multipart_chunk_mb"`
	UploadConcurrency    int    `yaml:"upload_concurrency"`
}

// SnapshotConfig holds learned-state persistence settings.
type SnapshotConfig struct {
	// Path is the snapshot file; empty disables persistence.
	Path string `yaml:"path"`

	// Interval saves periodically while running; zero saves only on close.
	Interval time.Duration `yaml:"interval"`

	LoadOnStart bool `yaml:"load_on_start"`
	SaveOnClose bool `yaml:"save_on_close"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			ListenAddress: ":8080",
		},
		Logging: logging.DefaultConfig(),
		Engine: EngineConfig{
			Capacity:       4096,
			Shards:         4,
			SharedPolicy:   false,
			EvictionSample: 16,
			HitLatency:     100 * time.Microsecond,
			MissLatency:    10 * time.Millisecond,
			SweepInterval:  time.Second,
		},
		Features: FeatureConfig{
			Decay:         0.2,
			IdleThreshold: 30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Predictor: predict.Config{
			Backend:         predict.BackendHybrid,
			ContextLength:   3,
			WindowSize:      64,
			MaxContexts:     8192,
			MinObservations: 3,
			LearningRate:    0.05,
			RecencyHalfLife: time.Minute,
		},
		Policy: policy.DefaultConfig(),
		Reward: reward.Config{
			Horizon:      100,
			HitReward:    1.0,
			RegretCost:   1.0,
			LatencySaved: 9900 * time.Microsecond,
		},
		Prefetch: prefetch.Config{
			Enabled:       true,
			Workers:       4,
			QueueSize:     256,
			RatePerSecond: 200,
			Burst:         32,
			BufferSize:    20,
			Fanout:        3,
			MinConfidence: 0.3,
		},
		Origin: OriginConfig{
			Type: "none",
			S3: S3OriginConfig{
				Region:               "us-west-2",
				PoolSize:             4,
				RetryMaxAttempts:     3,
				StorageClass:         "STANDARD",
				MultipartThresholdMB: 32,
				MultipartChunkMB:     16,
				UploadConcurrency:    4,
			},
		},
		Snapshot: SnapshotConfig{
			Path:        "",
			Interval:    5 * time.Minute,
			LoadOnStart: true,
			SaveOnClose: true,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv overlays configuration from ADAPTIVECACHE_* environment
// variables. Unparseable values are ignored.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("ADAPTIVECACHE_LISTEN_ADDRESS"); val != "" {
		c.Global.ListenAddress = val
	}
	if val := os.Getenv("ADAPTIVECACHE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("ADAPTIVECACHE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}

	if val := os.Getenv("ADAPTIVECACHE_CAPACITY"); val != "" {
		if capacity, err := strconv.Atoi(val); err == nil {
			c.Engine.Capacity = capacity
		}
	}
	if val := os.Getenv("ADAPTIVECACHE_SHARDS"); val != "" {
		if shards, err := strconv.Atoi(val); err == nil {
			c.Engine.Shards = shards
		}
	}

	if val := os.Getenv("ADAPTIVECACHE_HORIZON"); val != "" {
		if horizon, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.Reward.Horizon = horizon
		}
	}
	if val := os.Getenv("ADAPTIVECACHE_REGRET_COST"); val != "" {
		if cost, err := strconv.ParseFloat(val, 64); err == nil {
			c.Reward.RegretCost = cost
		}
	}

	if val := os.Getenv("ADAPTIVECACHE_EXPLORATION_INIT"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Policy.ExplorationInit = rate
		}
	}
	if val := os.Getenv("ADAPTIVECACHE_EXPLORATION_FLOOR"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Policy.ExplorationFloor = rate
		}
	}
	if val := os.Getenv("ADAPTIVECACHE_EXPLORATION_DECAY"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Policy.ExplorationDecay = rate
		}
	}
	if val := os.Getenv("ADAPTIVECACHE_LEARNING_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Policy.LearningRate = rate
		}
	}

	if val := os.Getenv("ADAPTIVECACHE_IDLE_THRESHOLD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Features.IdleThreshold = d
		}
	}

	if val := os.Getenv("ADAPTIVECACHE_PREFETCH"); val != "" {
		c.Prefetch.Enabled = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("ADAPTIVECACHE_ORIGIN_TYPE"); val != "" {
		c.Origin.Type = val
	}
	if val := os.Getenv("ADAPTIVECACHE_S3_BUCKET"); val != "" {
		c.Origin.S3.Bucket = val
	}
	if val := os.Getenv("ADAPTIVECACHE_S3_REGION"); val != "" {
		c.Origin.S3.Region = val
	}
	if val := os.Getenv("ADAPTIVECACHE_S3_ENDPOINT"); val != "" {
		c.Origin.S3.Endpoint = val
	}

	if val := os.Getenv("ADAPTIVECACHE_SNAPSHOT_PATH"); val != "" {
		c.Snapshot.Path = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for contradictions.
func (c *Configuration) Validate() error {
	if c.Engine.Capacity <= 0 {
		return fmt.Errorf("engine.capacity must be greater than 0")
	}
	if c.Engine.Shards <= 0 {
		return fmt.Errorf("engine.shards must be greater than 0")
	}
	if c.Engine.Capacity < c.Engine.Shards {
		return fmt.Errorf("engine.capacity %d below shard count %d", c.Engine.Capacity, c.Engine.Shards)
	}
	if c.Engine.EvictionSample <= 0 {
		return fmt.Errorf("engine.eviction_sample must be greater than 0")
	}

	if c.Features.Decay <= 0 || c.Features.Decay >= 1 {
		return fmt.Errorf("features.decay must be in (0,1), got %f", c.Features.Decay)
	}
	if c.Features.IdleThreshold < 0 {
		return fmt.Errorf("features.idle_threshold cannot be negative")
	}

	switch c.Predictor.Backend {
	case predict.BackendHybrid, predict.BackendMarkov, predict.BackendLogistic:
	default:
		return fmt.Errorf("invalid predictor.backend: %s (must be one of: %s)",
			c.Predictor.Backend,
			strings.Join([]string{predict.BackendHybrid, predict.BackendMarkov, predict.BackendLogistic}, ", "))
	}
	if c.Predictor.MinObservations == 0 {
		return fmt.Errorf("predictor.min_observations must be at least 1")
	}

	if c.Policy.ExplorationInit < 0 || c.Policy.ExplorationInit > 1 {
		return fmt.Errorf("policy.exploration_init must be in [0,1], got %f", c.Policy.ExplorationInit)
	}
	if c.Policy.ExplorationFloor < 0 || c.Policy.ExplorationFloor > c.Policy.ExplorationInit {
		return fmt.Errorf("policy.exploration_floor must be in [0, exploration_init]")
	}
	if c.Policy.ExplorationDecay <= 0 || c.Policy.ExplorationDecay > 1 {
		return fmt.Errorf("policy.exploration_decay must be in (0,1], got %f", c.Policy.ExplorationDecay)
	}
	if c.Policy.LearningRate <= 0 || c.Policy.LearningRate > 1 {
		return fmt.Errorf("policy.learning_rate must be in (0,1], got %f", c.Policy.LearningRate)
	}

	if c.Reward.Horizon == 0 {
		return fmt.Errorf("reward.horizon must be at least 1")
	}
	if c.Reward.RegretCost < 0 {
		return fmt.Errorf("reward.regret_cost cannot be negative")
	}

	switch c.Origin.Type {
	case "none", "memory", "s3":
	default:
		return fmt.Errorf("invalid origin.type: %s (must be one of: none, memory, s3)", c.Origin.Type)
	}
	if c.Origin.Type == "s3" && c.Origin.S3.Bucket == "" {
		return fmt.Errorf("origin.s3.bucket is required when origin.type is s3")
	}

	if c.Prefetch.Enabled {
		if c.Prefetch.Workers <= 0 {
			return fmt.Errorf("prefetch.workers must be greater than 0")
		}
		if c.Prefetch.BufferSize <= 0 {
			return fmt.Errorf("prefetch.buffer_size must be greater than 0")
		}
		if c.Prefetch.MinConfidence < 0 || c.Prefetch.MinConfidence > 1 {
			return fmt.Errorf("prefetch.min_confidence must be in [0,1]")
		}
	}

	return nil
}
