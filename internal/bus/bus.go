// Package bus is the invalidation bus: a payload-free "something changed"
// signal that keeps every derived read-side cache consistent after a
// mutation anywhere in the client.
//
// Publish runs subscribers synchronously on the caller's goroutine, so every
// subscriber has been notified by the time Publish returns. Subscribers must
// not block; they should hand the signal off to their own refresh loop.
// Over-invalidation is always safe.
package bus

import (
	"log"
	"sync"
)

// Bus is the injectable publish/subscribe surface.
type Bus interface {
	// Subscribe registers fn and returns a function that removes it.
	Subscribe(fn func()) (unsubscribe func())
	// Publish notifies every current subscriber.
	Publish()
}

// Local is the in-process Bus implementation.
type Local struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func()
	order  []uint64
	logger *log.Logger
	relay  func()
}

// New constructs an empty Local bus.
func New(logger *log.Logger) *Local {
	if logger == nil {
		logger = log.Default()
	}
	return &Local{subs: make(map[uint64]func()), logger: logger}
}

var (
	defaultOnce sync.Once
	defaultBus  *Local
)

// Default returns the process-wide bus. It is never torn down.
func Default() *Local {
	defaultOnce.Do(func() {
		defaultBus = New(nil)
	})
	return defaultBus
}

// Subscribe registers fn. Calling the returned function more than once is a
// no-op.
func (b *Local) Subscribe(fn func()) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish notifies every subscriber registered at the time of the call, in
// subscription order, then forwards the signal to the relay if one is set.
func (b *Local) Publish() {
	b.deliver()

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay()
	}
}

// deliver notifies local subscribers only. Remote signals arrive here so they
// are not relayed back out.
func (b *Local) deliver() {
	b.mu.RLock()
	fns := make([]func(), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.call(fn)
	}
}

func (b *Local) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("[bus] subscriber panic: %v", r)
		}
	}()
	fn()
}

// Len returns the number of live subscriptions.
func (b *Local) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// setRelay installs a hook that receives every local publish.
func (b *Local) setRelay(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = fn
}
