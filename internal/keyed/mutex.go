// Package keyed provides per-key locking so that work on unrelated keys (rooms,
// identities) never serializes behind a single global lock.
package keyed

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Mutex is a set of lazily created mutexes, one per key. Entries are released as
// soon as no goroutine holds or waits for them. The zero value is ready to use.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock acquires the mutex for key and returns the function that releases it.
func (m *Mutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// With runs fn while holding the mutex for key.
func (m *Mutex) With(key string, fn func()) {
	unlock := m.Lock(key)
	defer unlock()
	fn()
}
