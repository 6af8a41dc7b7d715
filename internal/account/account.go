// Package account is the relay's view of the external registration store:
// username -> identity lookup plus the client-side KDF material served by
// get_salt. The relay never touches key derivation itself.
package account

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrUsernameTaken = errors.New("username taken")
)

// Record is one registration entry. Salt, KDFParams, and PublicKey are
// opaque client material stored and returned verbatim.
type Record struct {
	Identity  string          `json:"identity"`
	Username  string          `json:"username"`
	Salt      string          `json:"salt,omitempty"`
	KDFParams json.RawMessage `json:"kdf_params,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
}

// Store is the operations the core invokes on the account backend.
type Store interface {
	// GetByUsername returns ErrNotFound for unknown usernames.
	GetByUsername(ctx context.Context, username string) (Record, error)
	// GetByIdentity returns ErrNotFound for unknown identities.
	GetByIdentity(ctx context.Context, identity string) (Record, error)
	// Create inserts a new registration record. Returns ErrUsernameTaken on
	// username collision.
	Create(ctx context.Context, rec Record) error
}
