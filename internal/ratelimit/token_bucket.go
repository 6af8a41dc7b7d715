package ratelimit

import (
	"math"
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a refill rate of R tokens/sec adds exactly
// R nano-tokens per elapsed nanosecond. Fixed-point keeps the refill
// arithmetic integral and deterministic under an injected Clock.
const nanoPerToken int64 = int64(time.Second)

// TokenBucket is one session's admission bucket. It starts full at maxTokens
// and refills at refillRate tokens/sec; every admitted request costs one
// token.
type TokenBucket struct {
	mu sync.Mutex

	clock      Clock
	maxTokens  int64
	refillRate int64 // tokens/sec

	availableNano int64
	last          time.Time
}

func NewTokenBucket(clock Clock, maxTokens, refillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if maxTokens < 0 {
		maxTokens = 0
	}
	if refillRate < 0 {
		refillRate = 0
	}
	b := &TokenBucket{
		clock:      clock,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		last:       clock.Now(),
	}
	b.availableNano = b.capacityNano()
	return b
}

// Allow consumes one token if the bucket holds at least one.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < nanoPerToken {
		return false
	}
	b.availableNano -= nanoPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 {
		// A clock that stalls or runs backwards never refills.
		return
	}
	if b.refillRate <= 0 || b.maxTokens <= 0 {
		return
	}

	capNano := b.capacityNano()
	need := capNano - b.availableNano
	if need <= 0 {
		b.availableNano = capNano
		return
	}

	// refillRate tokens/sec equals refillRate nano-tokens per nanosecond.
	// When the idle stretch is long enough to fill the bucket, clamp instead
	// of multiplying, which also keeps elapsed*rate from overflowing.
	if elapsed.Nanoseconds() >= need/b.refillRate {
		b.availableNano = capNano
		return
	}
	b.availableNano += elapsed.Nanoseconds() * b.refillRate
}

func (b *TokenBucket) capacityNano() int64 {
	if b.maxTokens > math.MaxInt64/nanoPerToken {
		return math.MaxInt64
	}
	return b.maxTokens * nanoPerToken
}
