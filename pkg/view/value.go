// Package view publishes immutable state snapshots to subscribers.
//
// Writers replace the snapshot through a reducer; subscribers receive the
// latest snapshot on a one-slot channel and never block a writer. A slow
// subscriber only misses intermediate snapshots.
package view

import "sync"

// Value holds one snapshot of S.
type Value[S any] struct {
	mu    sync.RWMutex
	state S
	subs  map[int]chan S
	next  int
}

// NewValue returns a Value starting at initial.
func NewValue[S any](initial S) *Value[S] {
	return &Value[S]{state: initial, subs: make(map[int]chan S)}
}

// Snapshot returns the current state.
func (v *Value[S]) Snapshot() S {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Dispatch replaces the state with reducer(current). Reducers must not mutate
// the state they receive.
func (v *Value[S]) Dispatch(reducer func(S) S) S {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = reducer(v.state)
	for _, ch := range v.subs {
		offer(ch, v.state)
	}
	return v.state
}

// Set is Dispatch with a constant reducer.
func (v *Value[S]) Set(s S) {
	v.Dispatch(func(S) S { return s })
}

// Subscribe returns a channel primed with the current state and a cancel
// func that closes it.
func (v *Value[S]) Subscribe() (<-chan S, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan S, 1)
	ch <- v.state
	id := v.next
	v.next++
	v.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
			close(ch)
		})
	}
}

// offer replaces whatever is buffered with s.
func offer[S any](ch chan S, s S) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
