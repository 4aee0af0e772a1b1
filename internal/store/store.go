// Package store implements the capacity-bounded resident set: a map plus
// an LRU list, with admission and eviction decided by the caller. The store
// never evicts on its own; a full store reports CapacityFull and leaves the
// resolution to the policy.
package store

import (
	"bytes"
	"container/list"
	"sync"
	"time"

	"github.com/adaptivecache/adaptivecache/pkg/errors"
	"github.com/adaptivecache/adaptivecache/pkg/types"
)

const defaultCapacity = 1024

// Store holds cached payloads for one shard. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	capacity int
	items    map[string]*item
	order    *list.List

	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int64
}

type item struct {
	entry   types.CacheEntry
	payload []byte
	element *list.Element
}

// New creates a store bounded to capacity entries.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = defaultCapacity
	}
	return &Store{
		capacity: capacity,
		items:    make(map[string]*item),
		order:    list.New(),
	}
}

// Lookup returns the entry metadata and a copy of the payload. A hit
// promotes the key and refreshes its access stamps.
func (s *Store) Lookup(key string, sequence uint64) (types.CacheEntry, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		s.misses++
		return types.CacheEntry{}, nil, false
	}

	it.entry.LastAccess = time.Now()
	it.entry.LastSequence = sequence
	it.entry.HitCount++
	s.order.MoveToFront(it.element)
	s.hits++

	payload := make([]byte, len(it.payload))
	copy(payload, it.payload)
	return it.entry, payload, true
}

// Contains reports residency without promoting or touching stats.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Admit inserts a new entry. A full store returns CapacityFull; the caller
// must evict or reject. Re-admitting a resident key returns DuplicateKey
// when the payload matches and PayloadConflict when it does not, so a
// distinct payload is never silently overwritten.
func (s *Store) Admit(key string, payload []byte, sequence uint64, prefetched bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.items[key]; ok {
		if !bytes.Equal(it.payload, payload) {
			return errors.Newf(errors.ErrCodePayloadConflict,
				"key %q already resident with different payload", key).
				WithComponent("store").
				WithOperation("Admit")
		}
		s.order.MoveToFront(it.element)
		return errors.Newf(errors.ErrCodeDuplicateKey, "key %q already resident", key).
			WithComponent("store").
			WithOperation("Admit")
	}

	if len(s.items) >= s.capacity {
		return errors.Newf(errors.ErrCodeCapacityFull,
			"store at capacity %d", s.capacity).
			WithComponent("store").
			WithOperation("Admit")
	}

	now := time.Now()
	stored := make([]byte, len(payload))
	copy(stored, payload)

	it := &item{
		entry: types.CacheEntry{
			Key:           key,
			Size:          int64(len(payload)),
			InsertionTime: now,
			LastAccess:    now,
			LastSequence:  sequence,
			Prefetched:    prefetched,
		},
		payload: stored,
	}
	it.element = s.order.PushFront(it)
	s.items[key] = it
	s.bytes += it.entry.Size
	return nil
}

// Evict removes key and returns its final entry state and payload, which
// the caller needs for dirty write-back. Absent keys return NotPresent and
// leave occupancy untouched.
func (s *Store) Evict(key string) (types.CacheEntry, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return types.CacheEntry{}, nil, errors.Newf(errors.ErrCodeNotPresent,
			"key %q not resident", key).
			WithComponent("store").
			WithOperation("Evict")
	}

	s.order.Remove(it.element)
	delete(s.items, key)
	s.bytes -= it.entry.Size
	s.evictions++
	return it.entry, it.payload, nil
}

// Update replaces a resident key's payload, marks it dirty, and promotes
// it. Used by the write path; absent keys return NotPresent.
func (s *Store) Update(key string, payload []byte, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return errors.Newf(errors.ErrCodeNotPresent, "key %q not resident", key).
			WithComponent("store").
			WithOperation("Update")
	}

	s.bytes += int64(len(payload)) - it.entry.Size
	it.payload = make([]byte, len(payload))
	copy(it.payload, payload)
	it.entry.Size = int64(len(payload))
	it.entry.LastAccess = time.Now()
	it.entry.LastSequence = sequence
	it.entry.Dirty = true
	s.order.MoveToFront(it.element)
	return nil
}

// Promote refreshes a key's LRU position without counting a hit.
func (s *Store) Promote(key string, sequence uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return false
	}
	it.entry.LastAccess = time.Now()
	it.entry.LastSequence = sequence
	s.order.MoveToFront(it.element)
	return true
}

// MarkClean clears the dirty flag after a successful write-back.
func (s *Store) MarkClean(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		it.entry.Dirty = false
	}
}

// MarkDirty flags a resident key for write-back.
func (s *Store) MarkDirty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[key]; ok {
		it.entry.Dirty = true
	}
}

// Fill installs a fetched payload into an entry that was admitted with an
// empty handle. It never overwrites data: an entry that is dirty or already
// holds a payload is left alone, so a write that lands while the fetch is in
// flight wins. Fill does not promote.
func (s *Store) Fill(key string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || it.entry.Dirty || len(it.payload) > 0 {
		return false
	}

	it.payload = make([]byte, len(payload))
	copy(it.payload, payload)
	s.bytes += int64(len(payload)) - it.entry.Size
	it.entry.Size = int64(len(payload))
	return true
}

// Candidates returns up to limit eviction candidates from the cold end of
// the LRU order, oldest first.
func (s *Store) Candidates(limit int) []types.EvictionCandidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.order.Len() == 0 {
		return nil
	}
	if limit > s.order.Len() {
		limit = s.order.Len()
	}

	out := make([]types.EvictionCandidate, 0, limit)
	for e := s.order.Back(); e != nil && len(out) < limit; e = e.Prev() {
		it := e.Value.(*item)
		out = append(out, types.EvictionCandidate{
			Key:        it.entry.Key,
			LastAccess: it.entry.LastAccess,
			Sequence:   it.entry.LastSequence,
		})
	}
	return out
}

// OldestKey returns the least recently used key.
func (s *Store) OldestKey() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	back := s.order.Back()
	if back == nil {
		return "", false
	}
	return back.Value.(*item).entry.Key, true
}

// DirtyEntries returns the entries awaiting write-back, oldest first.
func (s *Store) DirtyEntries() []types.CacheEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.CacheEntry
	for e := s.order.Back(); e != nil; e = e.Prev() {
		it := e.Value.(*item)
		if it.entry.Dirty {
			out = append(out, it.entry)
		}
	}
	return out
}

// Payload returns a copy of a resident payload without promoting.
func (s *Store) Payload(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	payload := make([]byte, len(it.payload))
	copy(payload, it.payload)
	return payload, true
}

// Entries reports current occupancy.
func (s *Store) Entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Capacity reports the configured bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Keys returns resident keys in LRU order, oldest first.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for e := s.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(*item).entry.Key)
	}
	return keys
}

// Stats returns a point-in-time statistics snapshot.
func (s *Store) Stats() types.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.CacheStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Entries:   len(s.items),
		Capacity:  s.capacity,
		Bytes:     s.bytes,
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	stats.Utilization = float64(len(s.items)) / float64(s.capacity)
	return stats
}

// Clear drops all entries. Dropped entries do not count as evictions.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*item)
	s.order.Init()
	s.bytes = 0
}
