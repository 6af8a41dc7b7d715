package account

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec := Record{
		Identity:  "id-1",
		Username:  "alice",
		Salt:      "c2FsdA==",
		KDFParams: json.RawMessage(`{"n":16384,"r":8}`),
		PublicKey: "pk1",
	}
	require.NoError(t, s.Create(ctx, rec))

	byName, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, rec, byName)

	byID, err := s.GetByIdentity(ctx, "id-1")
	require.NoError(t, err)
	require.Equal(t, rec, byID)
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.GetByUsername(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetByIdentity(ctx, "no-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUsernameTaken(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Create(ctx, Record{Identity: "id-1", Username: "alice"}))
	err := s.Create(ctx, Record{Identity: "id-2", Username: "alice"})
	require.ErrorIs(t, err, ErrUsernameTaken)

	// The original binding is untouched.
	rec, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.Identity)
}
