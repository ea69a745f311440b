// Package changeset accumulates the write fingerprints a transactional
// resource reports for conflict detection. A fingerprint is an opaque byte
// slice; two fingerprints conflict iff they are byte-for-byte equal.
package changeset

import "sync"

// Key is an opaque fingerprint identifying one mutated unit, for example an
// encoded row/column coordinate. Equality is byte-exact.
type Key []byte

// Set is a deduplicated, order-irrelevant collection of fingerprints.
// The zero value is not usable; construct with NewSet.
type Set struct {
	keys map[string]Key
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{keys: make(map[string]Key)}
}

// Add inserts a copy of the fingerprint. Duplicates are absorbed.
func (s *Set) Add(k Key) {
	id := string(k)
	if _, ok := s.keys[id]; ok {
		return
	}
	s.keys[id] = Key(append([]byte(nil), k...))
}

// AddAll inserts every fingerprint from other.
func (s *Set) AddAll(other *Set) {
	if other == nil {
		return
	}
	for id, k := range other.keys {
		if _, ok := s.keys[id]; !ok {
			s.keys[id] = Key(append([]byte(nil), k...))
		}
	}
}

// Union returns a new Set containing the fingerprints of both operands.
func Union(sets ...*Set) *Set {
	out := NewSet()
	for _, s := range sets {
		out.AddAll(s)
	}
	return out
}

// Contains reports whether the fingerprint is in the set.
func (s *Set) Contains(k Key) bool {
	_, ok := s.keys[string(k)]
	return ok
}

// Len returns the number of distinct fingerprints.
func (s *Set) Len() int {
	return len(s.keys)
}

// Keys returns the fingerprints as independent copies, in no particular order.
func (s *Set) Keys() []Key {
	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, Key(append([]byte(nil), k...)))
	}
	return out
}

// Tracker records the fingerprints touched by the active transaction on one
// resource. It deduplicates, hands out defensive snapshots, and is cleared
// only by Reset (driven by a fresh bind), never by a rebind or by reading a
// snapshot. Recording is safe from concurrent goroutines because a resource
// may route writes from more than one.
type Tracker struct {
	mu  sync.Mutex
	set *Set
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{set: NewSet()}
}

// Record notes one mutated fingerprint.
func (t *Tracker) Record(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set.Add(k)
}

// Snapshot returns an immutable copy of everything recorded since the last
// Reset. The tracker keeps accumulating afterwards; snapshots taken later in
// the same transaction are supersets of earlier ones.
func (t *Tracker) Snapshot() *Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := NewSet()
	out.AddAll(t.set)
	return out
}

// Len returns the number of distinct fingerprints recorded so far.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set.Len()
}

// Reset discards all recorded fingerprints. Called by a resource's bind; a
// rebind must not call it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set = NewSet()
}
