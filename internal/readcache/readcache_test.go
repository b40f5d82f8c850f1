package readcache

import (
	"testing"
	"time"
)

func TestLatestDropsStaleCompletion(t *testing.T) {
	var l Latest[string]

	older := l.Begin()
	newer := l.Begin()

	if !l.Commit(newer, "newer") {
		t.Fatalf("expected newer fetch to commit")
	}
	if l.Commit(older, "older") {
		t.Fatalf("expected stale fetch to be dropped")
	}
	if v, ok := l.Get(); !ok || v != "newer" {
		t.Fatalf("unexpected value %q ok=%v", v, ok)
	}
}

func TestLatestLastCompletionWinsInOrder(t *testing.T) {
	var l Latest[int]
	first := l.Begin()
	second := l.Begin()

	l.Commit(first, 1)
	if !l.Commit(second, 2) {
		t.Fatalf("expected later issued fetch to overwrite")
	}
	if v, _ := l.Get(); v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
}

func TestLatestReset(t *testing.T) {
	var l Latest[int]
	inflight := l.Begin()
	l.Reset()

	if l.Commit(inflight, 7) {
		t.Fatalf("expected fetch issued before reset to be dropped")
	}
	if _, ok := l.Get(); ok {
		t.Fatalf("expected empty value after reset")
	}
	if !l.Commit(l.Begin(), 8) {
		t.Fatalf("expected fresh fetch to commit")
	}
}

func TestTTLExpiryAndClear(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTL[string, int](time.Minute, func() time.Time { return now })

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit, got %d ok=%v", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected expiry")
	}

	c.Set("b", 2)
	if c.Len() != 1 {
		t.Fatalf("expected expired entry evicted on write, len=%d", c.Len())
	}

	c.Clear()
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected cleared cache")
	}
}
