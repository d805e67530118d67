// Package multikey implements a container indexed by a primary key with up
// to two secondary indexes, all resolving to the same value. It backs the
// tunnel engine's peer table: peers are looked up by client id, by allowed
// IPv4 address, and by allowed IPv6 address, but stored once.
package multikey

import "sync"

// Map indexes values of type V by a primary key K1 and up to two secondary
// keys K2 and K3. Secondary lookups are indirect via K1: O(1) either way.
// It is safe for concurrent use.
type Map[K1, K2, K3 comparable, V any] struct {
	mu sync.RWMutex

	primary      map[K1]entry[K1, K2, K3, V]
	bySecondary1 map[K2]K1
	bySecondary2 map[K3]K1
}

type entry[K1, K2, K3 comparable, V any] struct {
	k2    K2
	k3    K3
	hasK2 bool
	hasK3 bool
	value V
}

// New constructs an empty Map.
func New[K1, K2, K3 comparable, V any]() *Map[K1, K2, K3, V] {
	return &Map[K1, K2, K3, V]{
		primary:      make(map[K1]entry[K1, K2, K3, V]),
		bySecondary1: make(map[K2]K1),
		bySecondary2: make(map[K3]K1),
	}
}

// Insert adds or replaces the value under k1, optionally indexed by k2
// and/or k3. It returns the prior value under k1, if any. Any previous
// secondary-key entries for k1 are replaced by the ones given here.
func (m *Map[K1, K2, K3, V]) Insert(k1 K1, k2 *K2, k3 *K3, v V) (prior V, hadPrior bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.primary[k1]; ok {
		prior, hadPrior = old.value, true
		if old.hasK2 {
			delete(m.bySecondary1, old.k2)
		}
		if old.hasK3 {
			delete(m.bySecondary2, old.k3)
		}
	}

	e := entry[K1, K2, K3, V]{value: v}
	if k2 != nil {
		e.k2, e.hasK2 = *k2, true
		m.bySecondary1[*k2] = k1
	}
	if k3 != nil {
		e.k3, e.hasK3 = *k3, true
		m.bySecondary2[*k3] = k1
	}
	m.primary[k1] = e

	return prior, hadPrior
}

// GetMain looks up a value by its primary key.
func (m *Map[K1, K2, K3, V]) GetMain(k1 K1) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.primary[k1]
	return e.value, ok
}

// GetBySecondary1 looks up a value by its first secondary key.
func (m *Map[K1, K2, K3, V]) GetBySecondary1(k2 K2) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k1, ok := m.bySecondary1[k2]
	if !ok {
		var zero V
		return zero, false
	}
	e := m.primary[k1]
	return e.value, true
}

// GetBySecondary2 looks up a value by its second secondary key.
func (m *Map[K1, K2, K3, V]) GetBySecondary2(k3 K3) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k1, ok := m.bySecondary2[k3]
	if !ok {
		var zero V
		return zero, false
	}
	e := m.primary[k1]
	return e.value, true
}

// Remove deletes the entry for k1 and any secondary indexes pointing to it.
func (m *Map[K1, K2, K3, V]) Remove(k1 K1) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(k1)
}

// RemoveBySecondary1 deletes the entry reachable via k2, evicting its
// sibling secondary index too (the co-indexed k3, if any).
func (m *Map[K1, K2, K3, V]) RemoveBySecondary1(k2 K2) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k1, ok := m.bySecondary1[k2]
	if !ok {
		var zero V
		return zero, false
	}
	return m.removeLocked(k1)
}

// RemoveBySecondary2 deletes the entry reachable via k3, evicting its
// sibling secondary index too (the co-indexed k2, if any).
func (m *Map[K1, K2, K3, V]) RemoveBySecondary2(k3 K3) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k1, ok := m.bySecondary2[k3]
	if !ok {
		var zero V
		return zero, false
	}
	return m.removeLocked(k1)
}

func (m *Map[K1, K2, K3, V]) removeLocked(k1 K1) (V, bool) {
	e, ok := m.primary[k1]
	if !ok {
		var zero V
		return zero, false
	}
	if e.hasK2 {
		delete(m.bySecondary1, e.k2)
	}
	if e.hasK3 {
		delete(m.bySecondary2, e.k3)
	}
	delete(m.primary, k1)
	return e.value, true
}

// Len returns the number of primary entries.
func (m *Map[K1, K2, K3, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.primary)
}

// Range calls f for every entry in the map. Iteration stops early if f
// returns false. f must not call back into the Map — Range holds the read
// lock for its duration.
func (m *Map[K1, K2, K3, V]) Range(f func(k1 K1, v V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, e := range m.primary {
		if !f(k, e.value) {
			return
		}
	}
}
