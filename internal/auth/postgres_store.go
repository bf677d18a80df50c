package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRefreshStore persists refresh tokens to a Postgres table, allowing
// multiple API replicas to share authentication state.
type PostgresRefreshStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRefreshStore opens a Postgres-backed refresh store using the
// provided DSN and bootstraps the table when it is missing.
func NewPostgresRefreshStore(dsn string) (*PostgresRefreshStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres refresh dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres refresh config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres refresh pool: %w", err)
	}
	store := &PostgresRefreshStore{pool: pool}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresRefreshStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("apply refresh token schema: %w", err)
	}
	return nil
}

// Close releases the Postgres connection pool resources.
func (s *PostgresRefreshStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Save stores or updates the refresh token hash.
func (s *PostgresRefreshStore) Save(tokenHash, userID string, expiresAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres refresh pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `
INSERT INTO refresh_tokens (token_hash, user_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
`, tokenHash, userID, expiresAt.UTC())
	return err
}

// Get fetches the refresh record for the provided hash.
func (s *PostgresRefreshStore) Get(tokenHash string) (RefreshRecord, bool, error) {
	if s.pool == nil {
		return RefreshRecord{}, false, fmt.Errorf("postgres refresh pool not configured")
	}
	row := s.pool.QueryRow(context.Background(), `
SELECT user_id, expires_at
FROM refresh_tokens
WHERE token_hash = $1
`, tokenHash)
	var record RefreshRecord
	record.TokenHash = tokenHash
	if err := row.Scan(&record.UserID, &record.ExpiresAt); err != nil {
		if isNoRows(err) {
			return RefreshRecord{}, false, nil
		}
		return RefreshRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the refresh token hash.
func (s *PostgresRefreshStore) Delete(tokenHash string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres refresh pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	return err
}

// PurgeExpired deletes expired tokens from the table.
func (s *PostgresRefreshStore) PurgeExpired(now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres refresh pool not configured")
	}
	_, err := s.pool.Exec(context.Background(), `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping verifies the backing pool is reachable.
func (s *PostgresRefreshStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres refresh pool not configured")
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
