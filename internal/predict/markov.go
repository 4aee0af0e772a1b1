package predict

import (
	"container/list"
	"sort"
	"strings"
	"sync"

	"github.com/adaptivecache/adaptivecache/pkg/types"
)

// contextTable is the n-gram transition model: it maps a context (the last
// N keys joined in order) to the observed successor counts. The table is
// bounded; when full, the least recently touched context is discarded.
type contextTable struct {
	mu          sync.RWMutex
	contexts    map[string]*successorSet
	order       *list.List
	length      int
	maxContexts int
}

type successorSet struct {
	context string
	counts  map[string]int
	total   int
	elem    *list.Element
}

func newContextTable(length, maxContexts int) *contextTable {
	if length < 1 {
		length = defaultContextLength
	}
	if maxContexts < 1 {
		maxContexts = defaultMaxContexts
	}
	return &contextTable{
		contexts:    make(map[string]*successorSet),
		order:       list.New(),
		length:      length,
		maxContexts: maxContexts,
	}
}

// contextOf joins the last ctx.length keys of window into the table key.
// Returns "" when the window is shorter than the context length.
func (ct *contextTable) contextOf(window []string) string {
	if len(window) < ct.length {
		return ""
	}
	return strings.Join(window[len(window)-ct.length:], "\x1f")
}

// record counts next as a successor of the context formed by window.
func (ct *contextTable) record(window []string, next string) {
	ctx := ct.contextOf(window)
	if ctx == "" {
		return
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	set, ok := ct.contexts[ctx]
	if !ok {
		if len(ct.contexts) >= ct.maxContexts {
			ct.discardOldest()
		}
		set = &successorSet{
			context: ctx,
			counts:  make(map[string]int),
		}
		set.elem = ct.order.PushFront(set)
		ct.contexts[ctx] = set
	} else {
		ct.order.MoveToFront(set.elem)
	}

	set.counts[next]++
	set.total++
}

// discardOldest drops the least recently touched context. Caller holds the lock.
func (ct *contextTable) discardOldest() {
	back := ct.order.Back()
	if back == nil {
		return
	}
	set := back.Value.(*successorSet)
	ct.order.Remove(back)
	delete(ct.contexts, set.context)
}

// transition returns the observed probability that key follows the current
// context, and whether the context has been seen at all.
func (ct *contextTable) transition(window []string, key string) (float64, bool) {
	ctx := ct.contextOf(window)
	if ctx == "" {
		return 0, false
	}

	ct.mu.RLock()
	defer ct.mu.RUnlock()

	set, ok := ct.contexts[ctx]
	if !ok || set.total == 0 {
		return 0, false
	}
	return float64(set.counts[key]) / float64(set.total), true
}

// successors returns the context's recurring successors, best first. A
// successor must have been seen at least twice to count as a pattern,
// which filters one-off noise.
func (ct *contextTable) successors(window []string, limit int) []types.Prediction {
	ctx := ct.contextOf(window)
	if ctx == "" || limit <= 0 {
		return nil
	}

	ct.mu.RLock()
	defer ct.mu.RUnlock()

	set, ok := ct.contexts[ctx]
	if !ok || set.total == 0 {
		return nil
	}

	preds := make([]types.Prediction, 0, len(set.counts))
	for key, count := range set.counts {
		if count < 2 {
			continue
		}
		preds = append(preds, types.Prediction{
			Key:   key,
			Score: float64(count) / float64(set.total),
		})
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Score != preds[j].Score {
			return preds[i].Score > preds[j].Score
		}
		return preds[i].Key < preds[j].Key
	})
	if len(preds) > limit {
		preds = preds[:limit]
	}
	return preds
}

// patterns counts contexts that have at least one recurring successor.
func (ct *contextTable) patterns() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	n := 0
	for _, set := range ct.contexts {
		for _, count := range set.counts {
			if count >= 2 {
				n++
				break
			}
		}
	}
	return n
}

// size reports the number of tracked contexts.
func (ct *contextTable) size() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.contexts)
}
