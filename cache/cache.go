// Package cache provides a generic, thread-safe map with per-key atomic
// compute operations and lock-free metrics.
package cache

import (
	"sync"
	"sync/atomic"
)

// Map is a generic thread-safe map. It uses Go generics (1.18+) for type
// safety without interface{} overhead.
//
// Unlike a plain map guarded by a mutex, Map exposes compute-if-absent and
// compute-in-place operations so that a check-then-act sequence (decide a
// value, then record it) is a single atomic step with respect to other
// workers touching the same key.
type Map[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V

	// Metrics (lock-free using atomics)
	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64
}

// New creates a new Map with a size hint.
func New[K comparable, V any](hint int) *Map[K, V] {
	if hint <= 0 {
		hint = 16
	}
	return &Map[K, V]{
		items: make(map[K]V, hint),
	}
}

// Get retrieves a value from the map.
// Returns the value and true if found, zero value and false otherwise.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		var zero V
		return zero, false
	}
	m.hits.Add(1)
	return v, true
}

// Set adds or replaces a value.
func (m *Map[K, V]) Set(key K, value V) {
	m.sets.Add(1)
	m.mu.Lock()
	m.items[key] = value
	m.mu.Unlock()
}

// SetIfAbsent stores value only when the key is not yet present.
// Returns the stored value and true when this call inserted it.
func (m *Map[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.items[key]; ok {
		return existing, false
	}
	m.items[key] = value
	m.sets.Add(1)
	return value, true
}

// GetOrCompute returns the existing value for key if present. Otherwise it
// calls fn to compute the value, stores it, and returns it together with
// computed=true. fn runs under the map lock: it must be cheap and must not
// touch the same Map again.
func (m *Map[K, V]) GetOrCompute(key K, fn func() V) (value V, computed bool) {
	// Fast path: already present.
	if v, ok := m.Get(key); ok {
		return v, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the write lock.
	if v, ok := m.items[key]; ok {
		return v, false
	}

	value = fn()
	m.items[key] = value
	m.sets.Add(1)
	return value, true
}

// Compute atomically replaces the value for key. fn receives the current
// value (zero value when absent) and whether the key was present, and
// returns the new value and whether to keep the key. Returning keep=false
// deletes the key. Compute returns the value fn produced and keep.
func (m *Map[K, V]) Compute(key K, fn func(old V, ok bool) (V, bool)) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.items[key]
	next, keep := fn(old, ok)
	if keep {
		m.items[key] = next
		m.sets.Add(1)
	} else if ok {
		delete(m.items, key)
	}
	return next, keep
}

// ComputeIfPresent runs fn only when the key exists, with the same
// keep/delete semantics as Compute. It reports whether the key existed.
func (m *Map[K, V]) ComputeIfPresent(key K, fn func(old V) (V, bool)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.items[key]
	if !ok {
		return false
	}
	next, keep := fn(old)
	if keep {
		m.items[key] = next
	} else {
		delete(m.items, key)
	}
	return true
}

// Delete removes an item from the map.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Contains reports whether the key is present.
func (m *Map[K, V]) Contains(key K) bool {
	m.mu.RLock()
	_, ok := m.items[key]
	m.mu.RUnlock()
	return ok
}

// Len returns the current number of items.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Keys returns all keys (in no particular order).
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]K, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys
}

// Range calls fn for each item. If fn returns false, iteration stops.
// The snapshot is taken under a read lock; fn runs without the lock held,
// so it may safely call back into the Map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	type kv struct {
		k K
		v V
	}
	snapshot := make([]kv, 0, len(m.items))
	for k, v := range m.items {
		snapshot = append(snapshot, kv{k, v})
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e.k, e.v) {
			break
		}
	}
}

// Stats holds map statistics.
type Stats struct {
	Size    int
	Hits    uint64
	Misses  uint64
	Sets    uint64
	HitRate float64
}

// Stats returns map statistics.
func (m *Map[K, V]) Stats() Stats {
	m.mu.RLock()
	size := len(m.items)
	m.mu.RUnlock()

	hits := m.hits.Load()
	misses := m.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		Sets:    m.sets.Load(),
		HitRate: hitRate,
	}
}
