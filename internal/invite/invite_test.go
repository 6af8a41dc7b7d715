package invite

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 24*time.Hour), mr
}

func TestStore_CreateResolve(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	code, expiresAt, err := s.Create(ctx, "id-1", "alice")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[0-9A-F]{6}$`), code)
	require.True(t, expiresAt.After(time.Now()))

	rec, err := s.Resolve(ctx, code)
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.Identity)
	require.Equal(t, "alice", rec.Username)
}

func TestStore_ResolveIsCaseAndSpaceTolerant(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	code, _, err := s.Create(ctx, "id-1", "alice")
	require.NoError(t, err)

	rec, err := s.Resolve(ctx, "  "+code+" ")
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.Identity)
}

func TestStore_UnknownCode(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Resolve(context.Background(), "ABCDEF")
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	_, err = s.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestStore_ReissueReplacesPriorCode(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	first, _, err := s.Create(ctx, "id-1", "alice")
	require.NoError(t, err)
	second, _, err := s.Create(ctx, "id-1", "alice")
	require.NoError(t, err)

	_, err = s.Resolve(ctx, first)
	require.ErrorIs(t, err, ErrInvalidOrExpired, "replaced code must be deleted")

	rec, err := s.Resolve(ctx, second)
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.Identity)
}

func TestStore_CodeExpires(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	code, _, err := s.Create(ctx, "id-1", "alice")
	require.NoError(t, err)

	mr.FastForward(25 * time.Hour)

	_, err = s.Resolve(ctx, code)
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestRecord_FreshWithin(t *testing.T) {
	now := time.Now()
	rec := Record{IssuedAt: now.Add(-4 * time.Minute).UnixMilli()}
	require.True(t, rec.FreshWithin(5*time.Minute, now))
	require.False(t, rec.FreshWithin(3*time.Minute, now))
}
