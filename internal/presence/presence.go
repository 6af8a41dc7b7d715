// Package presence is the cluster-wide "is this identity online and where"
// view, shared across relay instances through Redis.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey = "online_users"
	keyPrefix    = "presence:"
)

// DefaultTTL is the safety TTL on presence records so a crashed instance
// does not leave stale entries forever.
const DefaultTTL = time.Hour

// Ref locates a live session: which instance owns it and the session id on
// that instance. Serialized as "instance/session".
type Ref struct {
	Instance string
	Session  string
}

func (r Ref) String() string {
	return r.Instance + "/" + r.Session
}

func ParseRef(s string) (Ref, error) {
	instance, session, ok := strings.Cut(s, "/")
	if !ok || instance == "" || session == "" {
		return Ref{}, fmt.Errorf("malformed session ref %q", s)
	}
	return Ref{Instance: instance, Session: session}, nil
}

// Store reads and writes presence records. All access to the `online_users`
// set and `presence:{identity}` keys goes through this type.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// SetOnline adds the identity to the online set and records its session ref.
// Registering a new device overwrites the previous ref.
func (s *Store) SetOnline(ctx context.Context, identity string, ref Ref) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, identity)
	pipe.Set(ctx, keyPrefix+identity, ref.String(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence set_online %s: %w", identity, err)
	}
	return nil
}

// SetOffline removes the identity from the online set and deletes the
// presence record. Idempotent.
func (s *Store) SetOffline(ctx context.Context, identity string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, identity)
	pipe.Del(ctx, keyPrefix+identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence set_offline %s: %w", identity, err)
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, onlineSetKey, identity).Result()
	if err != nil {
		return false, fmt.Errorf("presence is_online %s: %w", identity, err)
	}
	return ok, nil
}

// Lookup returns the identity's session ref, or ok=false when the identity
// has no presence record.
func (s *Store) Lookup(ctx context.Context, identity string) (Ref, bool, error) {
	val, err := s.rdb.Get(ctx, keyPrefix+identity).Result()
	if errors.Is(err, redis.Nil) {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, fmt.Errorf("presence lookup %s: %w", identity, err)
	}
	ref, err := ParseRef(val)
	if err != nil {
		return Ref{}, false, err
	}
	return ref, true, nil
}
