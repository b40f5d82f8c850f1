// Package readcache holds the primitives behind the client's read-side caches.
package readcache

import "sync"

// Ticket identifies one fetch in issuance order.
type Ticket uint64

// Latest keeps the value of the most recently completed fetch. A fetch that
// completes after a newer one has already been committed is dropped.
type Latest[T any] struct {
	mu        sync.Mutex
	issued    Ticket
	committed Ticket
	value     T
	has       bool
}

// Begin registers a new fetch and returns its ticket.
func (l *Latest[T]) Begin() Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued++
	return l.issued
}

// Commit stores value unless a fetch issued later has already committed.
// Each ticket commits at most once.
// It reports whether the value was kept.
func (l *Latest[T]) Commit(t Ticket, value T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t <= l.committed {
		return false
	}
	l.committed = t
	l.value = value
	l.has = true
	return true
}

// Get returns the current value and whether any fetch has committed.
func (l *Latest[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.has
}

// Reset drops the stored value. In-flight fetches issued before Reset are
// discarded when they complete.
func (l *Latest[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	l.value = zero
	l.has = false
	l.committed = l.issued
}
