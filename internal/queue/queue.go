// Package queue is the per-identity bounded FIFO of undelivered envelopes,
// stored in Redis under `queue:{identity}` with a per-item expiry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cipherlink/relay/internal/envelope"
)

const keyPrefix = "queue:"

const (
	DefaultTTL    = 30 * time.Minute
	DefaultMaxLen = 100
)

// Status is the outcome of a push attempt.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusDropped Status = "dropped"
)

// pushScript appends an item unless the list is full, then extends the
// list's TTL to at least the queue TTL. Never shortens an existing TTL.
var pushScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
local ttl = redis.call('TTL', KEYS[1])
if ttl < tonumber(ARGV[3]) then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// flushScript atomically reads and deletes the whole list.
var flushScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

type item struct {
	Envelope  envelope.Envelope `json:"envelope"`
	ExpiresAt int64             `json:"expires_at"` // unix milliseconds
}

// Store is the Redis-backed queue. FIFO by enqueue order, bounded length,
// no deduplication.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	maxLen int

	now func() time.Time
}

func New(rdb *redis.Client, ttl time.Duration, maxLen int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Store{rdb: rdb, ttl: ttl, maxLen: maxLen, now: time.Now}
}

// Push appends the envelope for the identity. A full queue rejects the new
// item with StatusDropped; old items are never overwritten.
func (s *Store) Push(ctx context.Context, identity string, env envelope.Envelope) (Status, error) {
	now := s.now()
	data, err := json.Marshal(item{
		Envelope:  env,
		ExpiresAt: now.Add(s.ttl).UnixMilli(),
	})
	if err != nil {
		return StatusDropped, fmt.Errorf("queue encode: %w", err)
	}

	ttlSeconds := int64(s.ttl / time.Second)
	res, err := pushScript.Run(ctx, s.rdb, []string{keyPrefix + identity}, data, s.maxLen, ttlSeconds).Int()
	if err != nil {
		return StatusDropped, fmt.Errorf("queue push %s: %w", identity, err)
	}
	if res == 0 {
		return StatusDropped, nil
	}
	return StatusQueued, nil
}

// Flush atomically drains the identity's queue and returns the surviving
// envelopes in enqueue order. Items past their expiry are discarded at read
// time; the second return value counts them.
func (s *Store) Flush(ctx context.Context, identity string) ([]envelope.Envelope, int, error) {
	raw, err := flushScript.Run(ctx, s.rdb, []string{keyPrefix + identity}).StringSlice()
	if err != nil {
		return nil, 0, fmt.Errorf("queue flush %s: %w", identity, err)
	}

	now := s.now().UnixMilli()
	expired := 0
	out := make([]envelope.Envelope, 0, len(raw))
	for _, entry := range raw {
		var it item
		if err := json.Unmarshal([]byte(entry), &it); err != nil {
			// A corrupt entry is dropped rather than wedging the whole flush.
			expired++
			continue
		}
		if it.ExpiresAt <= now {
			expired++
			continue
		}
		out = append(out, it.Envelope)
	}
	return out, expired, nil
}

// Len reports the current queue length for the identity.
func (s *Store) Len(ctx context.Context, identity string) (int64, error) {
	n, err := s.rdb.LLen(ctx, keyPrefix+identity).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", identity, err)
	}
	return n, nil
}
