package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.ListenAddress != ":8080" {
		t.Errorf("Expected ListenAddress to be :8080, got %s", cfg.Global.ListenAddress)
	}
	if cfg.Engine.Capacity != 4096 {
		t.Errorf("Expected Capacity to be 4096, got %d", cfg.Engine.Capacity)
	}
	if cfg.Engine.Shards != 4 {
		t.Errorf("Expected Shards to be 4, got %d", cfg.Engine.Shards)
	}
	if cfg.Engine.EvictionSample != 16 {
		t.Errorf("Expected EvictionSample to be 16, got %d", cfg.Engine.EvictionSample)
	}
	if cfg.Predictor.Backend != "hybrid" {
		t.Errorf("Expected predictor backend to be hybrid, got %s", cfg.Predictor.Backend)
	}
	if cfg.Predictor.ContextLength != 3 {
		t.Errorf("Expected ContextLength to be 3, got %d", cfg.Predictor.ContextLength)
	}
	if cfg.Reward.Horizon != 100 {
		t.Errorf("Expected reward horizon to be 100, got %d", cfg.Reward.Horizon)
	}
	if cfg.Policy.ExplorationInit <= cfg.Policy.ExplorationFloor {
		t.Errorf("Expected exploration init %f above floor %f",
			cfg.Policy.ExplorationInit, cfg.Policy.ExplorationFloor)
	}
	if !cfg.Prefetch.Enabled {
		t.Error("Expected prefetch to be enabled by default")
	}
	if cfg.Origin.Type != "none" {
		t.Errorf("Expected origin type none, got %s", cfg.Origin.Type)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default configuration to validate, got %v", err)
	}
}

func TestSaveAndLoadFromFile(t *testing.T) {
	cfg := NewDefault()
	cfg.Engine.Capacity = 512
	cfg.Engine.Shards = 2
	cfg.Predictor.Backend = "markov"
	cfg.Policy.ExplorationFloor = 0.05
	cfg.Reward.RegretCost = 2.5
	cfg.Origin.Type = "s3"
	cfg.Origin.S3.Bucket = "cache-origin"
	cfg.Origin.S3.Region = "eu-central-1"
	cfg.Snapshot.Path = "/var/lib/adaptivecache/state.snap"
	cfg.Snapshot.Interval = 90 * time.Second

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if loaded.Engine.Capacity != 512 {
		t.Errorf("Expected Capacity 512, got %d", loaded.Engine.Capacity)
	}
	if loaded.Engine.Shards != 2 {
		t.Errorf("Expected Shards 2, got %d", loaded.Engine.Shards)
	}
	if loaded.Predictor.Backend != "markov" {
		t.Errorf("Expected backend markov, got %s", loaded.Predictor.Backend)
	}
	if loaded.Policy.ExplorationFloor != 0.05 {
		t.Errorf("Expected exploration floor 0.05, got %f", loaded.Policy.ExplorationFloor)
	}
	if loaded.Reward.RegretCost != 2.5 {
		t.Errorf("Expected regret cost 2.5, got %f", loaded.Reward.RegretCost)
	}
	if loaded.Origin.S3.Bucket != "cache-origin" {
		t.Errorf("Expected bucket cache-origin, got %s", loaded.Origin.S3.Bucket)
	}
	if loaded.Snapshot.Interval != 90*time.Second {
		t.Errorf("Expected snapshot interval 90s, got %v", loaded.Snapshot.Interval)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoadFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("engine: [not a map"), 0600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ADAPTIVECACHE_LISTEN_ADDRESS", ":9090")
	t.Setenv("ADAPTIVECACHE_CAPACITY", "2048")
	t.Setenv("ADAPTIVECACHE_SHARDS", "8")
	t.Setenv("ADAPTIVECACHE_HORIZON", "50")
	t.Setenv("ADAPTIVECACHE_EXPLORATION_FLOOR", "0.02")
	t.Setenv("ADAPTIVECACHE_PREFETCH", "false")
	t.Setenv("ADAPTIVECACHE_ORIGIN_TYPE", "s3")
	t.Setenv("ADAPTIVECACHE_S3_BUCKET", "env-bucket")
	t.Setenv("ADAPTIVECACHE_SNAPSHOT_PATH", "/tmp/state.snap")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.ListenAddress != ":9090" {
		t.Errorf("Expected ListenAddress :9090, got %s", cfg.Global.ListenAddress)
	}
	if cfg.Engine.Capacity != 2048 {
		t.Errorf("Expected Capacity 2048, got %d", cfg.Engine.Capacity)
	}
	if cfg.Engine.Shards != 8 {
		t.Errorf("Expected Shards 8, got %d", cfg.Engine.Shards)
	}
	if cfg.Reward.Horizon != 50 {
		t.Errorf("Expected horizon 50, got %d", cfg.Reward.Horizon)
	}
	if cfg.Policy.ExplorationFloor != 0.02 {
		t.Errorf("Expected exploration floor 0.02, got %f", cfg.Policy.ExplorationFloor)
	}
	if cfg.Prefetch.Enabled {
		t.Error("Expected prefetch disabled via env")
	}
	if cfg.Origin.Type != "s3" {
		t.Errorf("Expected origin type s3, got %s", cfg.Origin.Type)
	}
	if cfg.Origin.S3.Bucket != "env-bucket" {
		t.Errorf("Expected bucket env-bucket, got %s", cfg.Origin.S3.Bucket)
	}
	if cfg.Snapshot.Path != "/tmp/state.snap" {
		t.Errorf("Expected snapshot path /tmp/state.snap, got %s", cfg.Snapshot.Path)
	}
}

func TestLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("ADAPTIVECACHE_CAPACITY", "not-a-number")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if cfg.Engine.Capacity != 4096 {
		t.Errorf("Expected unparseable capacity to keep default 4096, got %d", cfg.Engine.Capacity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero capacity", func(c *Configuration) { c.Engine.Capacity = 0 }},
		{"zero shards", func(c *Configuration) { c.Engine.Shards = 0 }},
		{"capacity below shards", func(c *Configuration) { c.Engine.Capacity = 2; c.Engine.Shards = 4 }},
		{"zero eviction sample", func(c *Configuration) { c.Engine.EvictionSample = 0 }},
		{"feature decay too high", func(c *Configuration) { c.Features.Decay = 1.5 }},
		{"unknown backend", func(c *Configuration) { c.Predictor.Backend = "oracle" }},
		{"zero min observations", func(c *Configuration) { c.Predictor.MinObservations = 0 }},
		{"exploration above one", func(c *Configuration) { c.Policy.ExplorationInit = 1.5 }},
		{"floor above init", func(c *Configuration) { c.Policy.ExplorationFloor = 0.5; c.Policy.ExplorationInit = 0.1 }},
		{"zero learning rate", func(c *Configuration) { c.Policy.LearningRate = 0 }},
		{"zero horizon", func(c *Configuration) { c.Reward.Horizon = 0 }},
		{"negative regret", func(c *Configuration) { c.Reward.RegretCost = -1 }},
		{"unknown origin", func(c *Configuration) { c.Origin.Type = "tape" }},
		{"s3 without bucket", func(c *Configuration) { c.Origin.Type = "s3"; c.Origin.S3.Bucket = "" }},
		{"prefetch without workers", func(c *Configuration) { c.Prefetch.Workers = 0 }},
		{"prefetch confidence above one", func(c *Configuration) { c.Prefetch.MinConfidence = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	initial := NewDefault()
	if err := initial.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	var mu sync.Mutex
	var reloaded *Configuration
	notify := make(chan struct{}, 4)

	w, err := NewWatcher(path, nil, func(cfg *Configuration) {
		mu.Lock()
		reloaded = cfg
		mu.Unlock()
		notify <- struct{}{}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	updated := NewDefault()
	updated.Engine.Capacity = 9000
	if err := updated.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	select {
	case <-notify:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for config reload")
	}

	mu.Lock()
	defer mu.Unlock()
	if reloaded == nil || reloaded.Engine.Capacity != 9000 {
		t.Errorf("Expected reloaded capacity 9000, got %+v", reloaded)
	}
}

func TestWatcherRejectsInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	initial := NewDefault()
	if err := initial.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	called := make(chan struct{}, 1)
	w, err := NewWatcher(path, nil, func(*Configuration) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	broken := NewDefault()
	broken.Engine.Capacity = 0
	if err := broken.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	select {
	case <-called:
		t.Error("Expected invalid update to be dropped")
	case <-time.After(time.Second):
	}
}
