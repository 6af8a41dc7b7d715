package ratelimit

import "sync"

// SessionBuckets holds one token bucket per live session.
//
// A bucket is created lazily on the session's first request and must be
// removed on disconnect; buckets are never shared between sessions.
type SessionBuckets struct {
	clock    Clock
	capacity int64 // tokens
	fillRate int64 // tokens/sec

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewSessionBuckets(clock Clock, capacity, fillRate int64) *SessionBuckets {
	if clock == nil {
		clock = RealClock{}
	}
	return &SessionBuckets{
		clock:    clock,
		capacity: capacity,
		fillRate: fillRate,
		buckets:  make(map[string]*TokenBucket),
	}
}

// Allow consumes one token from the session's bucket, creating the bucket at
// full capacity on first use.
func (s *SessionBuckets) Allow(sessionID string) bool {
	s.mu.Lock()
	b, ok := s.buckets[sessionID]
	if !ok {
		b = NewTokenBucket(s.clock, s.capacity, s.fillRate)
		s.buckets[sessionID] = b
	}
	s.mu.Unlock()

	return b.Allow()
}

// Remove drops the session's bucket. Idempotent.
func (s *SessionBuckets) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.buckets, sessionID)
	s.mu.Unlock()
}

// Len reports the number of tracked buckets.
func (s *SessionBuckets) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
