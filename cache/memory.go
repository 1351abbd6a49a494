package cache

import (
	"sync"
	"time"

	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/utils/heap"
)

// memoryEntryOverhead approximates the bookkeeping cost of one entry beyond
// its key and value bytes (map slot, heap slot, struct fields, GC tracking).
const memoryEntryOverhead = 128

// memoryEntry is one cached value held in the process-local tier.
type memoryEntry struct {
	key          string
	value        Value
	expiry       int64 // unix nanoseconds
	lastReadAt   int64 // unix nanoseconds
	readCount    int64
}

func entrySize(key string, value Value) int64 {
	return memoryEntryOverhead + int64(len(key)) + int64(len(value.Data))
}

// memoryTier is the fastest, smallest cache tier (C4, spec.md §4.3): a
// byte-budgeted store that evicts the least-frequently-and-least-recently
// read entry first, the same ordering the teacher's in-process state cache
// uses for its read-count/last-read heap. On eviction, an entry that still
// has time to live is handed to onDemote (spec.md §4.3: "demoted to shared
// if it still has time to live; otherwise it is dropped") rather than
// simply discarded.
type memoryTier struct {
	clock    clock.Clock
	maxBytes int64
	onDemote func(key string, v Value, remainingTTL time.Duration)

	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *heap.MinHeap[*memoryEntry]
	usage   int64
}

func newMemoryTier(clk clock.Clock, maxBytes int64, onDemote func(key string, v Value, remainingTTL time.Duration)) *memoryTier {
	t := &memoryTier{
		clock:    clk,
		maxBytes: maxBytes,
		onDemote: onDemote,
		entries:  make(map[string]*memoryEntry),
	}
	t.order = heap.NewMinHeap(func(a, b *memoryEntry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})
	return t
}

// get returns the cached value, reporting false on miss or expiry. A hit
// bumps the entry's recency and frequency, demoting its eviction priority.
func (t *memoryTier) get(key string) (Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return Value{}, false
	}

	now := t.clock.Now().UnixNano()
	if entry.expiry <= now {
		t.removeLocked(entry)
		return Value{}, false
	}

	entry.lastReadAt = now
	entry.readCount++
	t.order.Update(entry)
	return entry.value, true
}

// put stores a value with the given TTL, evicting the coldest entries
// until the byte budget is satisfied. Evicted entries that still have
// time to live are handed to onDemote once the tier's lock is released.
func (t *memoryTier) put(key string, value Value, ttl time.Duration) {
	t.mu.Lock()

	if existing, ok := t.entries[key]; ok {
		t.removeLocked(existing)
	}

	size := entrySize(key, value)
	var evicted []*memoryEntry
	if over := t.usage + size - t.maxBytes; over > 0 {
		evicted = t.evictLocked(over)
	}

	now := t.clock.Now().UnixNano()
	entry := &memoryEntry{
		key:        key,
		value:      value,
		expiry:     now + ttl.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
	}
	t.entries[key] = entry
	t.order.Push(entry)
	t.usage += size

	t.mu.Unlock()

	t.demoteEvicted(evicted, now)
}

// demoteEvicted forwards each evicted entry that still has time to live
// to onDemote (spec.md §4.3); entries with no remaining TTL are simply
// dropped, which eviction already did by removing them from the map.
func (t *memoryTier) demoteEvicted(evicted []*memoryEntry, now int64) {
	if t.onDemote == nil {
		return
	}
	for _, entry := range evicted {
		remaining := time.Duration(entry.expiry - now)
		if remaining <= 0 {
			continue
		}
		t.onDemote(entry.key, entry.value, remaining)
	}
}

// delete removes a key, reporting whether it was present.
func (t *memoryTier) delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	t.removeLocked(entry)
	return true
}

func (t *memoryTier) removeLocked(entry *memoryEntry) {
	delete(t.entries, entry.key)
	t.order.Remove(entry)
	t.usage -= entrySize(entry.key, entry.value)
}

// evictLocked frees at least sizeNeeded bytes, coldest entries first, and
// returns the evicted entries so the caller can offer them to onDemote.
func (t *memoryTier) evictLocked(sizeNeeded int64) []*memoryEntry {
	var evicted []*memoryEntry
	freed := int64(0)
	for freed < sizeNeeded {
		entry, ok := t.order.Pop()
		if !ok {
			break
		}
		delete(t.entries, entry.key)
		freed += entrySize(entry.key, entry.value)
		evicted = append(evicted, entry)
	}
	t.usage -= freed
	return evicted
}

// usageBytes reports the tier's current tracked size.
func (t *memoryTier) usageBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

func (t *memoryTier) entryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweepExpired removes every entry whose TTL has lapsed. Called by the
// maintenance loop (C8) rather than on a private ticker, so tier sweeps
// share the same cooperative scheduling as probes and rollups.
func (t *memoryTier) sweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now().UnixNano()
	var expired []*memoryEntry
	for _, entry := range t.entries {
		if entry.expiry <= now {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		t.removeLocked(entry)
	}
	return len(expired)
}
