//go:build postgres

package auth

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresRefreshStoreRoundTrip(t *testing.T) {
	store, cleanup := openPostgresRefreshStoreForTest(t)
	if cleanup != nil {
		defer cleanup()
	}

	manager := NewRefreshManager(time.Hour, WithStore(store))
	token, _, err := manager.Create("user-pg")
	if err != nil {
		t.Fatalf("create refresh token: %v", err)
	}

	ctx := context.Background()
	var rawCount int
	if err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM refresh_tokens WHERE token_hash = $1`, token).Scan(&rawCount); err != nil {
		t.Fatalf("count raw token rows: %v", err)
	}
	if rawCount != 0 {
		t.Fatalf("expected raw token to be absent from the table, found %d rows", rawCount)
	}

	hashed, err := hashRefreshToken(token)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	var storedUser string
	if err := store.pool.QueryRow(ctx, `SELECT user_id FROM refresh_tokens WHERE token_hash = $1`, hashed).Scan(&storedUser); err != nil {
		t.Fatalf("fetch stored token: %v", err)
	}
	if storedUser != "user-pg" {
		t.Fatalf("expected user-pg, got %s", storedUser)
	}

	replica := NewRefreshManager(time.Hour, WithStore(store))
	userID, ok, err := replica.Validate(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if !ok {
		t.Fatal("expected token to validate through a second manager")
	}
	if userID != "user-pg" {
		t.Fatalf("expected user-pg, got %s", userID)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	var remaining int
	if err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM refresh_tokens WHERE token_hash = $1`, hashed).Scan(&remaining); err != nil {
		t.Fatalf("count rows after revoke: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected token to be deleted, got %d rows", remaining)
	}
}

func TestPostgresRefreshStoreUpsertsOnConflict(t *testing.T) {
	store, cleanup := openPostgresRefreshStoreForTest(t)
	if cleanup != nil {
		defer cleanup()
	}

	first := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	second := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Microsecond)

	if err := store.Save("conflict-hash", "user-a", first); err != nil {
		t.Fatalf("save token: %v", err)
	}
	if err := store.Save("conflict-hash", "user-b", second); err != nil {
		t.Fatalf("save token again: %v", err)
	}

	record, ok, err := store.Get("conflict-hash")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if !ok {
		t.Fatal("expected token to be found")
	}
	if record.UserID != "user-b" {
		t.Fatalf("expected replacement user-b, got %s", record.UserID)
	}
	if !record.ExpiresAt.Equal(second) {
		t.Fatalf("expected expiry %v, got %v", second, record.ExpiresAt)
	}
}

func TestPostgresRefreshStorePurgesExpired(t *testing.T) {
	store, cleanup := openPostgresRefreshStoreForTest(t)
	if cleanup != nil {
		defer cleanup()
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Save("expired-hash", "user-a", now.Add(-time.Hour)); err != nil {
		t.Fatalf("save expired token: %v", err)
	}
	if err := store.Save("live-hash", "user-b", now.Add(time.Hour)); err != nil {
		t.Fatalf("save live token: %v", err)
	}

	if err := store.PurgeExpired(now); err != nil {
		t.Fatalf("purge expired: %v", err)
	}

	if _, ok, err := store.Get("expired-hash"); err != nil {
		t.Fatalf("get expired token: %v", err)
	} else if ok {
		t.Fatal("expected expired token to be purged")
	}
	if _, ok, err := store.Get("live-hash"); err != nil {
		t.Fatalf("get live token: %v", err)
	} else if !ok {
		t.Fatal("expected live token to survive the purge")
	}
}

func openPostgresRefreshStoreForTest(t *testing.T) (*PostgresRefreshStore, func()) {
	t.Helper()

	dsn := os.Getenv("VODHUB_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("VODHUB_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresRefreshStore(dsn)
	if err != nil {
		t.Fatalf("open postgres refresh store: %v", err)
	}

	ctx := context.Background()
	if _, err := store.pool.Exec(ctx, `TRUNCATE TABLE refresh_tokens`); err != nil {
		_ = store.Close(ctx)
		t.Fatalf("truncate refresh_tokens: %v", err)
	}

	cleanup := func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if store.pool != nil {
			_, _ = store.pool.Exec(cleanupCtx, `TRUNCATE TABLE refresh_tokens`)
		}
		_ = store.Close(context.Background())
	}

	return store, cleanup
}
