// Package poller is the single refresh scheduler for the client's read-side
// caches. Each cache registers one refresh entry point; the poller calls it
// on a fixed interval and whenever Trigger is called, so timer ticks and
// invalidation signals share one code path.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// RefreshFunc re-fetches a cache's current truth.
type RefreshFunc func(ctx context.Context) error

type target struct {
	name     string
	interval time.Duration
	refresh  RefreshFunc
	trigger  chan struct{}
}

// Poller runs registered refresh functions.
type Poller struct {
	mu      sync.Mutex
	targets map[string]*target
	order   []string
	running bool
	timeout time.Duration
	logger  *log.Logger
}

// New constructs a Poller. timeout caps each refresh call.
func New(timeout time.Duration, logger *log.Logger) *Poller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{targets: make(map[string]*target), timeout: timeout, logger: logger}
}

// Add registers a refresh function under name. It must be called before Run.
func (p *Poller) Add(name string, interval time.Duration, refresh RefreshFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("poller: add %q after start", name)
	}
	if _, exists := p.targets[name]; exists {
		return fmt.Errorf("poller: target %q already registered", name)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	p.targets[name] = &target{
		name:     name,
		interval: interval,
		refresh:  refresh,
		trigger:  make(chan struct{}, 1),
	}
	p.order = append(p.order, name)
	return nil
}

// Trigger requests an out-of-band refresh of name. Requests made while one
// is already pending are coalesced. Unknown names are ignored.
func (p *Poller) Trigger(name string) {
	p.mu.Lock()
	t, ok := p.targets[name]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Run drives every target until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	targets := make([]*target, 0, len(p.order))
	for _, name := range p.order {
		targets = append(targets, p.targets[name])
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			p.loop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (p *Poller) loop(ctx context.Context, t *target) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.trigger:
		}
		tickCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := t.refresh(tickCtx)
		cancel()
		if err != nil && ctx.Err() == nil {
			p.logger.Printf("[poller] %s refresh error: %v", t.name, err)
		}
	}
}
