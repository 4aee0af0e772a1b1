// Package reward tracks pending decision outcomes and settles each one
// exactly once: by an attributable trigger inside the horizon, or with the
// default outcome once the horizon has passed. The pending set is bounded
// by the horizon because entries expire in sequence order.
package reward

import (
	"sync"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const (
	defaultHorizon    = 100
	defaultHitReward  = 1.0
	defaultRegretCost = 1.0
)

// Config tunes reward shaping.
type Config struct {
	// Horizon is the settlement window in logical events.
	Horizon uint64 `yaml:"horizon" json:"horizon"`

	// HitReward is granted when an admitted key is hit within the horizon.
	HitReward float64 `yaml:"hit_reward" json:"hit_reward"`

	// RegretCost is charged when an evicted key is re-accessed within the
	// horizon.
	RegretCost float64 `yaml:"regret_cost" json:"regret_cost"`

	// LatencySaved is the estimated latency difference between a hit and a
	// miss, reported on settled signals for telemetry.
	LatencySaved time.Duration `yaml:"latency_saved" json:"latency_saved"`
}

func (c Config) withDefaults() Config {
	if c.Horizon == 0 {
		c.Horizon = defaultHorizon
	}
	if c.HitReward <= 0 {
		c.HitReward = defaultHitReward
	}
	if c.RegretCost <= 0 {
		c.RegretCost = defaultRegretCost
	}
	return c
}

type pending struct {
	requestID string
	action    types.Action
	bucket    string
	key       string
	victimKey string
	deadline  uint64
	settled   bool
}

// Ledger is the pending-decision window for one shard. Safe for concurrent
// use; the engine settles on the request path and a background sweep expires
// stragglers.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	byID     map[string]*pending
	byAdmit  map[string][]*pending
	byVictim map[string][]*pending
	queue    []*pending
}

// NewLedger builds an empty ledger.
func NewLedger(cfg Config) *Ledger {
	return &Ledger{
		cfg:      cfg.withDefaults(),
		byID:     make(map[string]*pending),
		byAdmit:  make(map[string][]*pending),
		byVictim: make(map[string][]*pending),
	}
}

// Track registers a decision for later settlement. Admit decisions wait for
// a hit on the admitted key; evict decisions additionally watch the victim
// for a regretted re-access; reject decisions only age out. A request id
// already tracked is ignored.
func (l *Ledger) Track(d types.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byID[d.RequestID]; dup {
		return
	}

	p := &pending{
		requestID: d.RequestID,
		action:    d.Action,
		bucket:    d.Bucket,
		key:       d.Key,
		deadline:  d.Sequence + l.cfg.Horizon,
	}
	if d.Action == types.ActionEvict {
		p.victimKey = d.VictimKey
	}

	l.byID[p.requestID] = p
	if p.action == types.ActionAdmit || p.action == types.ActionEvict {
		l.byAdmit[p.key] = append(l.byAdmit[p.key], p)
	}
	if p.victimKey != "" {
		l.byVictim[p.victimKey] = append(l.byVictim[p.victimKey], p)
	}
	l.queue = append(l.queue, p)
}

// OnAccess settles every pending decision the access of key at sequence
// resolves: a hit rewards the admission that cached the key, and any
// re-access of an evicted victim charges the regret cost. Entries already
// past their deadline settle with the default outcome instead.
func (l *Ledger) OnAccess(key string, sequence uint64, hit bool) []types.RewardSignal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var signals []types.RewardSignal

	// settleLocked rewrites the index slices, so iterate over snapshots.
	if hit {
		for _, p := range snapshot(l.byAdmit[key]) {
			if p.settled {
				continue
			}
			if sequence > p.deadline {
				signals = append(signals, l.settleLocked(p, types.OutcomeMiss, 0, 0))
				continue
			}
			signals = append(signals, l.settleLocked(p, types.OutcomeHit, l.cfg.HitReward, l.cfg.LatencySaved))
		}
	}

	for _, p := range snapshot(l.byVictim[key]) {
		if p.settled {
			continue
		}
		if sequence > p.deadline {
			signals = append(signals, l.settleLocked(p, types.OutcomeMiss, 0, 0))
			continue
		}
		signals = append(signals, l.settleLocked(p, types.OutcomeMiss, -l.cfg.RegretCost, -l.cfg.LatencySaved))
	}

	return signals
}

// OnEvict settles the pending admission of an evicted key with the default
// outcome: once the key is gone, that admission can no longer earn its hit,
// and a later hit must credit the admission that re-cached it.
func (l *Ledger) OnEvict(key string) []types.RewardSignal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var signals []types.RewardSignal
	for _, p := range snapshot(l.byAdmit[key]) {
		if p.settled {
			continue
		}
		signals = append(signals, l.settleLocked(p, types.OutcomeMiss, 0, 0))
	}
	return signals
}

// ExpireThrough settles every pending decision whose deadline is before
// sequence with the default outcome.
func (l *Ledger) ExpireThrough(sequence uint64) []types.RewardSignal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var signals []types.RewardSignal
	for len(l.queue) > 0 {
		p := l.queue[0]
		if p.settled {
			l.queue = l.queue[1:]
			continue
		}
		if p.deadline >= sequence {
			break
		}
		signals = append(signals, l.settleLocked(p, types.OutcomeMiss, 0, 0))
		l.queue = l.queue[1:]
	}
	return signals
}

// Flush settles everything still pending with the default outcome. Used on
// shutdown so no decision is left unresolved.
func (l *Ledger) Flush() []types.RewardSignal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var signals []types.RewardSignal
	for _, p := range l.queue {
		if p.settled {
			continue
		}
		signals = append(signals, l.settleLocked(p, types.OutcomeMiss, 0, 0))
	}
	l.queue = nil
	return signals
}

// Len reports the number of unsettled decisions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

// Horizon reports the configured settlement window.
func (l *Ledger) Horizon() uint64 {
	return l.cfg.Horizon
}

// settleLocked marks p settled, removes it from the indexes, and builds its
// signal. Caller holds the lock.
func (l *Ledger) settleLocked(p *pending, outcome types.Outcome, reward float64, latency time.Duration) types.RewardSignal {
	p.settled = true
	delete(l.byID, p.requestID)
	if p.action == types.ActionAdmit || p.action == types.ActionEvict {
		l.byAdmit[p.key] = dropPending(l.byAdmit[p.key], p)
		if len(l.byAdmit[p.key]) == 0 {
			delete(l.byAdmit, p.key)
		}
	}
	if p.victimKey != "" {
		l.byVictim[p.victimKey] = dropPending(l.byVictim[p.victimKey], p)
		if len(l.byVictim[p.victimKey]) == 0 {
			delete(l.byVictim, p.victimKey)
		}
	}

	return types.RewardSignal{
		RequestID:    p.requestID,
		Key:          p.key,
		Action:       p.action,
		Bucket:       p.bucket,
		Outcome:      outcome,
		Reward:       reward,
		LatencyDelta: latency,
	}
}

func dropPending(list []*pending, target *pending) []*pending {
	for i, p := range list {
		if p == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func snapshot(list []*pending) []*pending {
	if len(list) == 0 {
		return nil
	}
	return append([]*pending(nil), list...)
}
