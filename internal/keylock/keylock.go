// Package keylock provides mutual exclusion scoped to a comparable key. Locks
// are reference counted and dropped once no caller holds or waits on them, so
// the map does not grow with the number of sessions or chains ever seen.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

func New[K comparable]() *Map[K] {
	return &Map[K]{entries: map[K]*entry{}}
}

// Lock blocks until key is held by the caller and returns the matching unlock.
func (m *Map[K]) Lock(key K) func() {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = map[K]*entry{}
	}
	current, ok := m.entries[key]
	if !ok {
		current = &entry{}
		m.entries[key] = current
	}
	current.refs++
	m.mu.Unlock()

	current.mu.Lock()
	return func() {
		current.mu.Unlock()
		m.mu.Lock()
		current.refs--
		if current.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Do runs fn while holding key.
func (m *Map[K]) Do(key K, fn func() error) error {
	unlock := m.Lock(key)
	defer unlock()
	return fn()
}

// Len reports how many keys currently have a holder or waiter.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
