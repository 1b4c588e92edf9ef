// Package keylock provides per-key mutual exclusion.
//
// Entries are reference counted and removed when the last holder unlocks,
// so memory is bounded by the number of keys currently contended.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map serializes work per key. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New constructs an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until key is held and returns the matching unlock func.
// The returned func is safe to call more than once.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
