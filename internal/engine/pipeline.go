package engine

import (
	"go.uber.org/zap"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// process runs one access through the shard's decision cycle. Everything
// here is in-memory under the shard mutex; origin work is returned as jobs
// for the caller to enqueue after the lock is released.
func (e *Engine) process(sh *shard, event types.AccessEvent) (types.Result, []originJob) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var jobs []originJob

	// Decisions past their horizon settle before the new one is made, so a
	// late re-access of a settled key never rewards a stale decision.
	signals := sh.ledger.ExpireThrough(event.Sequence)

	feats := sh.features.Observe(event)

	// Score against the window as it stood before this access, then let the
	// predictor observe it. The score answers "was this key predicted?",
	// which only makes sense against the preceding context.
	score := e.predictor.Score(event.Key, e.predictor.Window())
	sh.features.SetPredicted(event.Key, score)
	e.predictor.Observe(event)

	entry, _, hit := sh.store.Lookup(event.Key, event.Sequence)
	signals = append(signals, sh.ledger.OnAccess(event.Key, event.Sequence, hit)...)

	result := types.Result{RequestID: event.RequestID}

	if hit {
		if event.Kind == types.KindWrite && len(event.Payload) > 0 {
			if err := sh.store.Update(event.Key, event.Payload, event.Sequence); err != nil {
				e.logger.Warn("in-place update failed",
					zap.String("key", event.Key),
					zap.Error(err))
			}
		}
		// A keep settles synchronously: the hit is its own outcome and no
		// estimate produced it, so the signal feeds telemetry only.
		e.metrics.RecordDecision(types.ActionKeep)
		e.observeKeep(types.RewardSignal{
			RequestID: event.RequestID,
			Key:       event.Key,
			Action:    types.ActionKeep,
			Bucket:    sh.policy.Bucket(feats),
			Outcome:   types.OutcomeHit,
		})
		result.Outcome = types.OutcomeHit
		result.LatencyEstimate = e.hitLatencyDur()
		result.Prefetched = entry.Prefetched
	} else {
		var decision types.Decision
		if payload, ok := e.takeStaged(event.Key); ok {
			// The prefetcher staged this payload ahead of demand: the
			// request is served as a hit, and the payload is promoted into
			// the store through the normal admission machinery.
			decision, signals, jobs = e.admit(sh, event, feats, payload, true, 1.0, signals, jobs)
			result.Outcome = types.OutcomeHit
			result.LatencyEstimate = e.hitLatencyDur()
			result.Prefetched = true
		} else {
			action, confidence := sh.policy.ChooseAdmission(feats)
			if action == types.ActionAdmit {
				decision, signals, jobs = e.admit(sh, event, feats, event.Payload, false, confidence, signals, jobs)
			} else {
				decision = types.Decision{
					RequestID:  event.RequestID,
					Key:        event.Key,
					Action:     types.ActionReject,
					Confidence: confidence,
					Bucket:     sh.policy.Bucket(feats),
					Sequence:   event.Sequence,
				}
			}
			result.Outcome = types.OutcomeMiss
			result.LatencyEstimate = e.missLatencyDur()
		}
		sh.ledger.Track(decision)
		e.metrics.RecordDecision(decision.Action)
	}

	e.applySignals(sh, signals)
	e.metrics.RecordRequest(sh.id, result.Outcome == types.OutcomeHit)
	e.metrics.SetOccupancy(sh.id, sh.store.Entries())
	e.triggerPrefetch()

	return result, jobs
}

// admit installs a key, evicting or backing off first when the shard is at
// capacity. The returned decision carries the action that actually
// happened: admit, evict with a victim, or reject when the policy judged
// the incumbents more valuable.
func (e *Engine) admit(sh *shard, event types.AccessEvent, feats *types.KeyFeatures, payload []byte, prefetched bool, confidence float64, signals []types.RewardSignal, jobs []originJob) (types.Decision, []types.RewardSignal, []originJob) {
	decision := types.Decision{
		RequestID:  event.RequestID,
		Key:        event.Key,
		Action:     types.ActionAdmit,
		Confidence: confidence,
		Bucket:     sh.policy.Bucket(feats),
		Sequence:   event.Sequence,
	}

	if sh.store.Entries() >= sh.store.Capacity() {
		victimKey, rejectNew, victimConfidence := sh.policy.ChooseVictim(feats, sh.candidates(e.cfg.Engine.EvictionSample))
		if rejectNew {
			decision.Action = types.ActionReject
			decision.Confidence = victimConfidence
			return decision, signals, jobs
		}

		victim, victimPayload, err := sh.store.Evict(victimKey)
		if err != nil {
			// Candidates and the store are read under the same shard
			// mutex, so a vanished victim means a bug. Refuse the admit
			// rather than overfill.
			e.logger.Error("selected victim not resident",
				zap.String("victim", victimKey),
				zap.Error(err))
			decision.Action = types.ActionReject
			decision.Confidence = victimConfidence
			return decision, signals, jobs
		}

		e.evictions.Add(1)
		signals = append(signals, sh.ledger.OnEvict(victimKey)...)
		if victim.Dirty && e.origin != nil {
			jobs = append(jobs, originJob{sh: sh, key: victimKey, payload: victimPayload, flush: true})
		}

		decision.Action = types.ActionEvict
		decision.VictimKey = victimKey
		decision.Confidence = victimConfidence
	}

	if err := sh.store.Admit(event.Key, payload, event.Sequence, prefetched); err != nil {
		e.logger.Error("admit failed after capacity check",
			zap.String("key", event.Key),
			zap.Error(err))
		return decision, signals, jobs
	}

	if event.Kind == types.KindWrite && len(payload) > 0 {
		sh.store.MarkDirty(event.Key)
	} else if event.Kind == types.KindRead && len(payload) == 0 && e.origin != nil {
		// Admitted on metadata alone; a background fill fetches the bytes.
		jobs = append(jobs, originJob{sh: sh, key: event.Key})
	}

	return decision, signals, jobs
}

// candidates returns the shard's eviction sample with feature vectors
// attached. Keys whose features were swept keep a nil vector, which the
// policy treats as zero keep-value, so an unscored incumbent falls back to
// plain LRU ordering instead of failing the request.
func (sh *shard) candidates(limit int) []types.EvictionCandidate {
	cands := sh.store.Candidates(limit)
	for i := range cands {
		if f, ok := sh.features.Get(cands[i].Key); ok {
			feat := f
			cands[i].Features = &feat
		}
	}
	return cands
}

// applySignals closes the learning loop for settled decisions: the policy
// estimate that produced each decision absorbs the reward, and the
// predictor takes the realized outcome as its label.
func (e *Engine) applySignals(sh *shard, signals []types.RewardSignal) {
	for _, sig := range signals {
		sh.policy.Update(sig.Bucket, sig.Action, sig.Reward)
		e.predictor.Update(sig.Key, sig.Outcome == types.OutcomeHit)
		e.rewardsSettled.Add(1)
		e.metrics.RecordReward(sig.Outcome, sig.Reward)
		e.learning.Observe(sig.Action, sig.Outcome, sig.Reward)
	}
}

// observeKeep accounts for a synchronously settled keep.
func (e *Engine) observeKeep(sig types.RewardSignal) {
	e.rewardsSettled.Add(1)
	e.metrics.RecordReward(sig.Outcome, sig.Reward)
	e.learning.Observe(sig.Action, sig.Outcome, sig.Reward)
}

func (e *Engine) takeStaged(key string) ([]byte, bool) {
	if !e.prefetchOn() {
		return nil, false
	}
	return e.prefetch.Take(key)
}

// triggerPrefetch turns the predictor's successor forecast for the fresh
// window into staging work.
func (e *Engine) triggerPrefetch() {
	if !e.prefetchOn() {
		return
	}
	successors := e.predictor.Successors(e.predictor.Window(), e.cfg.Prefetch.Fanout)
	if len(successors) == 0 {
		return
	}
	e.prefetch.Enqueue(successors, e.resident)
}

func (e *Engine) resident(key string) bool {
	return e.shardFor(key).store.Contains(key)
}
