// Package store provides a generic, thread-safe, in-memory keyed store and a
// simulated clock for the sandbox server.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds values of type T by key, remembering first-insertion order.
type Store[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	order   []string
	prefix  string
	counter atomic.Uint64
}

// New creates an empty store whose generated IDs start with prefix.
func New[T any](prefix string) *Store[T] {
	return &Store[T]{
		items:  make(map[string]T),
		prefix: prefix,
	}
}

// NextID returns "{prefix}_{n}" with a zero-padded, monotonically increasing n.
func (s *Store[T]) NextID() string {
	return fmt.Sprintf("%s_%06d", s.prefix, s.counter.Add(1))
}

// Set stores item under key. Overwriting keeps the original position.
func (s *Store[T]) Set(key string, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, item)
}

func (s *Store[T]) setLocked(key string, item T) {
	if _, ok := s.items[key]; !ok {
		s.order = append(s.order, key)
	}
	s.items[key] = item
}

// Get returns the value stored under key.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	return item, ok
}

// Update applies fn to the value under key atomically. fn receives the
// current value (zero if absent) and whether it existed; it returns the new
// value and whether to store it.
func (s *Store[T]) Update(key string, fn func(item T, exists bool) (T, bool)) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	next, keep := fn(cur, ok)
	if keep {
		s.setLocked(key, next)
		return next
	}
	return cur
}

// Delete removes key and reports whether it was present.
func (s *Store[T]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns every value in insertion order.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}

// Count returns the number of stored values.
func (s *Store[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Reset drops every value and restarts ID generation.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T)
	s.order = nil
	s.counter.Store(0)
}

// Snapshot copies the stored values into a map.
func (s *Store[T]) Snapshot() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]T, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

// LoadSnapshot replaces the contents with snap. Keys are ordered
// lexically since a map carries no order.
func (s *Store[T]) LoadSnapshot(snap map[string]T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]T, len(snap))
	s.order = make([]string, 0, len(snap))
	for k, v := range snap {
		s.items[k] = v
		s.order = append(s.order, k)
	}
	sort.Strings(s.order)
}

// MarshalJSON encodes the store as its snapshot map.
func (s *Store[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON replaces the contents from a snapshot map.
func (s *Store[T]) UnmarshalJSON(data []byte) error {
	var snap map[string]T
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.LoadSnapshot(snap)
	return nil
}

// Clock is wall time shifted by an adjustable offset. Expiry and delay
// rules in the sandbox read it so tests can move time forward.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewClock returns a clock with no offset.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Reset returns the clock to wall time.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = 0
}

// Offset reports the total amount the clock has been advanced.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
