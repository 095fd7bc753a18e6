package view

import "sync"

// Map holds snapshots keyed by K with per-key subscriptions.
type Map[K comparable, V any] struct {
	mu     sync.RWMutex
	values map[K]V
	subs   map[K]map[int]chan V
	next   int
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V), subs: make(map[K]map[int]chan V)}
}

func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[k]
	return v, ok
}

func (m *Map[K, V]) Set(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(k, v)
}

func (m *Map[K, V]) setLocked(k K, v V) {
	m.values[k] = v
	for _, ch := range m.subs[k] {
		offer(ch, v)
	}
}

// Update applies reducer to the value at k. When reducer returns false the
// map is left untouched and nobody is notified.
func (m *Map[K, V]) Update(k K, reducer func(cur V, ok bool) (V, bool)) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.values[k]
	next, apply := reducer(cur, ok)
	if !apply {
		return cur, false
	}
	m.setLocked(k, next)
	return next, true
}

// Delete removes k without notifying subscribers.
func (m *Map[K, V]) Delete(k K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, k)
}

func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

// Subscribe watches k. The channel is primed when k already has a value.
func (m *Map[K, V]) Subscribe(k K) (<-chan V, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan V, 1)
	if v, ok := m.values[k]; ok {
		ch <- v
	}
	if m.subs[k] == nil {
		m.subs[k] = make(map[int]chan V)
	}
	id := m.next
	m.next++
	m.subs[k][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[k], id)
			if len(m.subs[k]) == 0 {
				delete(m.subs, k)
			}
			close(ch)
		})
	}
}
