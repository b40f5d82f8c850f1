package service

import (
	"context"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/meetup-client/internal/bus"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/readcache"
)

// EventLoader fetches a single event from the remote API.
type EventLoader interface {
	Get(ctx context.Context, id string) (*model.Event, error)
}

// EventCache is a read-through cache of single events. Every invalidation
// signal empties it.
type EventCache struct {
	loader  EventLoader
	entries *readcache.TTL[string, model.Event]

	mu         sync.Mutex
	generation uint64

	unsubscribe func()
}

// NewEventCache constructs an EventCache subscribed to b.
func NewEventCache(loader EventLoader, ttl time.Duration, b bus.Bus, now func() time.Time) *EventCache {
	c := &EventCache{
		loader:  loader,
		entries: readcache.NewTTL[string, model.Event](ttl, now),
	}
	if b != nil {
		c.unsubscribe = b.Subscribe(c.Invalidate)
	}
	return c
}

// Get returns the cached event or fetches it.
func (c *EventCache) Get(ctx context.Context, id string) (*model.Event, error) {
	if e, ok := c.entries.Get(id); ok {
		return &e, nil
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	event, err := c.loader.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// A fetch that straddles an invalidation may carry pre-change data.
	c.mu.Lock()
	if gen == c.generation {
		c.entries.Set(id, *event)
	}
	c.mu.Unlock()
	return event, nil
}

// Invalidate empties the cache.
func (c *EventCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries.Clear()
}

// Close detaches the cache from the bus.
func (c *EventCache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
