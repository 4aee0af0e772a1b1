package prefetch

import (
	"container/list"
	"sync"
)

const defaultBufferSize = 20

// Buffer is the bounded FIFO staging area for prefetched payloads. It sits
// beside the main store: fills land here first, and a lookup that finds its
// key here consumes the entry so the engine can promote it through the
// normal admission path. When full, the oldest entry is displaced.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type bufferEntry struct {
	key     string
	payload []byte
}

// NewBuffer creates a buffer bounded to capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = defaultBufferSize
	}
	return &Buffer{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Put stages a payload. A repeated key replaces the payload in place without
// refreshing its queue position. On overflow the oldest entry is removed and
// its key returned so the caller can count the displacement.
func (b *Buffer) Put(key string, payload []byte) (displaced string, overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]byte, len(payload))
	copy(stored, payload)

	if elem, ok := b.items[key]; ok {
		elem.Value.(*bufferEntry).payload = stored
		return "", false
	}

	if b.order.Len() >= b.capacity {
		oldest := b.order.Front()
		entry := oldest.Value.(*bufferEntry)
		b.order.Remove(oldest)
		delete(b.items, entry.key)
		displaced = entry.key
		overflow = true
	}

	b.items[key] = b.order.PushBack(&bufferEntry{key: key, payload: stored})
	return displaced, overflow
}

// Take removes key from the buffer and returns its payload. A successful
// take is how a staged entry leaves the buffer on its way into the store.
func (b *Buffer) Take(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elem, ok := b.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*bufferEntry)
	b.order.Remove(elem)
	delete(b.items, key)
	return entry.payload, true
}

// Contains reports whether key is staged.
func (b *Buffer) Contains(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.items[key]
	return ok
}

// Len reports how many entries are staged.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Keys returns staged keys oldest first.
func (b *Buffer) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, b.order.Len())
	for e := b.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*bufferEntry).key)
	}
	return keys
}

// Clear drops every staged entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]*list.Element)
	b.order.Init()
}
