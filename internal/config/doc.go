/*
Package config provides configuration management for the adaptive cache with
multi-source support.

Configuration is layered, later sources overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│          (ADAPTIVECACHE_*)                  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Basic Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/adaptivecache/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

# Configuration Sections

	global:    listen address for the HTTP surface
	logging:   level, encoding, optional rotating file sink
	engine:    capacity, shard count, eviction sampling, latency model
	features:  per-key feature decay and idle sweeping
	predictor: sequence model backend and context shape
	policy:    exploration schedule and learning rate
	reward:    settlement horizon and reward magnitudes
	prefetch:  worker pool, rate limit, staging buffer
	origin:    backing tier (none, memory, or s3)
	snapshot:  state persistence path and cadence

# Environment Variables

Every operationally interesting knob has an ADAPTIVECACHE_ override, for
example:

	ADAPTIVECACHE_LISTEN_ADDRESS=:9090
	ADAPTIVECACHE_CAPACITY=8192
	ADAPTIVECACHE_SHARDS=8
	ADAPTIVECACHE_HORIZON=200
	ADAPTIVECACHE_EXPLORATION_FLOOR=0.02
	ADAPTIVECACHE_ORIGIN_TYPE=s3
	ADAPTIVECACHE_S3_BUCKET=cache-origin
	ADAPTIVECACHE_SNAPSHOT_PATH=/var/lib/adaptivecache/state.snap

Unparseable values are ignored rather than treated as fatal, so a stray
override cannot keep the service from starting.

# Hot Reloading

Watcher reloads the file on change and delivers each update through a
callback. Updates that fail validation are logged and dropped, keeping
the last good configuration in effect:

	w, err := config.NewWatcher(path, logger, func(cfg *config.Configuration) {
		engine.ApplyTunables(cfg)
	})
	defer w.Close()

Only tunables that are safe to change at runtime should be applied from
the callback; structural settings such as capacity and shard count take
effect on the next restart.
*/
package config
