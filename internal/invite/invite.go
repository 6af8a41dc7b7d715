// Package invite issues and resolves short opaque codes that bind a second
// device to an existing identity. Codes live in Redis under `invite:{code}`.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "invite:"
	// ownerPrefix is a reverse index so issuing a fresh code can delete the
	// identity's previous one.
	ownerPrefix = "invite_owner:"
)

// DefaultTTL is how long a resolvable invite stays valid.
const DefaultTTL = 24 * time.Hour

// ErrInvalidOrExpired is returned for unknown or stale codes.
var ErrInvalidOrExpired = errors.New("invite code invalid or expired")

// Record is the stored invite entry.
type Record struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
	IssuedAt int64  `json:"issued_at"` // unix milliseconds
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration

	now func() time.Time
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

// Create issues a fresh 6-character code for the identity, replacing and
// deleting any previously issued code.
func (s *Store) Create(ctx context.Context, identity, username string) (string, time.Time, error) {
	code, err := newCode()
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now()
	data, err := json.Marshal(Record{
		Identity: identity,
		Username: username,
		IssuedAt: now.UnixMilli(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invite encode: %w", err)
	}

	// Drop the previous code for this identity before writing the new one.
	if prev, err := s.rdb.Get(ctx, ownerPrefix+identity).Result(); err == nil && prev != "" {
		_ = s.rdb.Del(ctx, keyPrefix+prev).Err()
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return "", time.Time{}, fmt.Errorf("invite owner lookup %s: %w", identity, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyPrefix+code, data, s.ttl)
	pipe.Set(ctx, ownerPrefix+identity, code, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", time.Time{}, fmt.Errorf("invite create %s: %w", identity, err)
	}

	return code, now.Add(s.ttl), nil
}

// Resolve returns the record for a code, or ErrInvalidOrExpired.
func (s *Store) Resolve(ctx context.Context, code string) (Record, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Record{}, ErrInvalidOrExpired
	}

	raw, err := s.rdb.Get(ctx, keyPrefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrInvalidOrExpired
	}
	if err != nil {
		return Record{}, fmt.Errorf("invite resolve: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("invite decode: %w", err)
	}
	return rec, nil
}

// FreshWithin reports whether the record was issued within the window. Device
// pairing requires a fresh code even though resolvable invites live longer.
func (r Record) FreshWithin(window time.Duration, now time.Time) bool {
	issued := time.UnixMilli(r.IssuedAt)
	return now.Sub(issued) <= window
}

// newCode returns a 6-character uppercase hex code from a cryptographic RNG.
func newCode() (string, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("invite rng: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf[:])), nil
}
