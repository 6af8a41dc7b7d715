package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 100, 10) // relay defaults: 100 tokens, 10/sec.

	for i := 0; i < 100; i++ {
		if !b.Allow() {
			t.Fatalf("request %d: expected initial burst to succeed", i)
		}
	}
	if b.Allow() {
		t.Fatalf("expected bucket to be empty after 100 requests")
	}

	clk.Advance(100 * time.Millisecond) // 1 token refilled (10 tokens/sec).
	if !b.Allow() {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow() {
		t.Fatalf("expected only a single refilled token")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow() {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow() || !b.Allow() {
		t.Fatalf("expected initial burst")
	}

	clk.Advance(-50 * time.Second)
	if b.Allow() {
		t.Fatalf("expected no refill when time goes backwards")
	}

	clk.Advance(1 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected refill after time moves forward again")
	}
}

func TestSessionBuckets_PerSessionIsolation(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := NewSessionBuckets(clk, 2, 1)

	if !s.Allow("a") || !s.Allow("a") {
		t.Fatalf("expected session a's burst to succeed")
	}
	if s.Allow("a") {
		t.Fatalf("expected session a to be depleted")
	}
	if !s.Allow("b") {
		t.Fatalf("expected session b to have its own bucket")
	}
}

func TestSessionBuckets_RemoveResetsBudget(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := NewSessionBuckets(clk, 1, 0)

	if !s.Allow("a") {
		t.Fatalf("expected first request to pass")
	}
	if s.Allow("a") {
		t.Fatalf("expected bucket depleted")
	}

	s.Remove("a")
	s.Remove("a") // idempotent

	if !s.Allow("a") {
		t.Fatalf("expected fresh bucket after removal")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("expected 1 tracked bucket, got %d", got)
	}
}
