package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the account interface with a PostgreSQL pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			identity   TEXT PRIMARY KEY,
			username   TEXT NOT NULL UNIQUE,
			salt       TEXT NOT NULL DEFAULT '',
			kdf_params JSONB,
			public_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create accounts schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (Record, error) {
	return s.get(ctx, `SELECT identity, username, salt, kdf_params, public_key FROM accounts WHERE username = $1`, username)
}

func (s *PostgresStore) GetByIdentity(ctx context.Context, identity string) (Record, error) {
	return s.get(ctx, `SELECT identity, username, salt, kdf_params, public_key FROM accounts WHERE identity = $1`, identity)
}

func (s *PostgresStore) get(ctx context.Context, query, arg string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, query, arg).Scan(&rec.Identity, &rec.Username, &rec.Salt, &rec.KDFParams, &rec.PublicKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("account lookup: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (identity, username, salt, kdf_params, public_key) VALUES ($1, $2, $3, $4, $5)`,
		rec.Identity, rec.Username, rec.Salt, rec.KDFParams, rec.PublicKey,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("account create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
