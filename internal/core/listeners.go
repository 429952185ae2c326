package core

import "sync"

type listenerEntry[T any] struct {
	id uint64
	l  T
}

// ListenerSet is a copy-on-write observer collection. Each iterates a
// snapshot, so listeners may add or remove listeners from inside a callback.
// The zero value is ready to use.
type ListenerSet[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []listenerEntry[T]
}

// Add registers l and returns a func that removes it. The remove func is idempotent.
func (s *ListenerSet[T]) Add(l T) (remove func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	entries := make([]listenerEntry[T], len(s.entries), len(s.entries)+1)
	copy(entries, s.entries)
	s.entries = append(entries, listenerEntry[T]{id: id, l: l})
	s.mu.Unlock()

	return func() { s.remove(id) }
}

func (s *ListenerSet[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]listenerEntry[T], 0, len(s.entries))
	for _, e := range s.entries {
		if e.id != id {
			entries = append(entries, e)
		}
	}
	s.entries = entries
}

func (s *ListenerSet[T]) Each(fn func(T)) {
	s.mu.Lock()
	snap := s.entries
	s.mu.Unlock()
	for _, e := range snap {
		fn(e.l)
	}
}

func (s *ListenerSet[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
