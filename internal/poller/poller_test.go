package poller

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTriggerRunsRefresh(t *testing.T) {
	p := New(time.Second, nil)
	var calls atomic.Int32
	if err := p.Add("feed", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Trigger("feed")
	waitFor(t, func() bool { return calls.Load() == 1 })

	p.Trigger("unknown")
	cancel()
	<-done
}

func TestIntervalTicks(t *testing.T) {
	p := New(time.Second, nil)
	var calls atomic.Int32
	_ = p.Add("pending", 10*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, func() bool { return calls.Load() >= 3 })
}

func TestRefreshesNeverOverlapPerTarget(t *testing.T) {
	p := New(time.Second, nil)
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	_ = p.Add("feed", time.Millisecond, func(context.Context) error {
		n := active.Add(1)
		mu.Lock()
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 10; i++ {
		p.Trigger("feed")
	}
	p.Run(ctx)

	if maxActive.Load() != 1 {
		t.Fatalf("expected serialized refreshes, saw %d concurrent", maxActive.Load())
	}
}

func TestRefreshErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := log.New(&lockedWriter{w: &buf, mu: &mu}, "", 0)
	p := New(time.Second, logger)
	_ = p.Add("pending", time.Hour, func(context.Context) error { return errors.New("offline") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	p.Trigger("pending")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "pending refresh error: offline")
	})
}

func TestAddValidation(t *testing.T) {
	p := New(0, nil)
	noop := func(context.Context) error { return nil }
	if err := p.Add("feed", 0, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := p.Add("feed", time.Second, noop); err == nil {
		t.Fatalf("expected duplicate name error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)
	if err := p.Add("late", time.Second, noop); err == nil {
		t.Fatalf("expected error when adding after start")
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
