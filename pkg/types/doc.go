/*
Package types provides the core interfaces, data structures, and type definitions
for the AdaptiveCache engine.

This package is the contract layer between the engine's components: the tracer,
feature aggregator, sequence predictor, adaptive policy, cache store, reward loop,
prefetcher, and origin backends all communicate through the types defined here.

# Architecture Overview

The engine runs one decision cycle per access:

	┌─────────────────────────────────────────────┐
	│              Access Tracer                  │
	│        RawRequest → AccessEvent             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Feature Aggregator                │
	│        AccessEvent → KeyFeatures            │
	└─────────────────────────────────────────────┘
	           │                      │
	┌──────────┴─────────┐ ┌──────────┴──────────┐
	│ Sequence Predictor │ │   Adaptive Policy   │
	│  (re-access score) │ │ (admit/reject/evict)│
	└────────────────────┘ └─────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Cache Store                    │
	│          Decision execution                 │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          Reward/Feedback Loop               │
	│    Decision → RewardSignal → Policy         │
	└─────────────────────────────────────────────┘

Every AccessEvent yields exactly one Decision and exactly one RewardSignal, in
that causal order. No event is double-counted in policy updates.

# Core Interfaces

Predictor:
Estimates the probability that a key is re-accessed within the configured
horizon. The contract is a capability set — Observe, Score, Update — so any
online sequence model (frequency table, n-gram context model, logistic layer, a
recurrent network) is conformant as long as scoring is bounded-time.

AdmissionPolicy:
Selects among admit/reject on a miss and among eviction candidates on overflow,
and learns from settled RewardSignals. Tabular and function-approximation
backends are both valid; updates must be convex combinations so estimates stay
bounded.

Origin:
The slow tier below the cache. Read misses fill from it in the background;
dirty entries flush back to it on eviction and shutdown.

# Thread Safety

The structs in this package are plain data. Synchronization is owned by the
components that hold them: the engine serializes the decision cycle per shard,
the policy guards its value table, and the store guards residency. AccessEvent
and RewardSignal are immutable after creation and safe to share.
*/
package types
