package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vodhub/internal/testsupport/redisstub"
)

func TestRedisRefreshStorePlain(t *testing.T) {
	runRedisRefreshStoreIntegration(t, false)
}

func TestRedisRefreshStoreTLS(t *testing.T) {
	runRedisRefreshStoreIntegration(t, true)
}

func runRedisRefreshStoreIntegration(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := RedisRefreshStoreConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	if useTLS {
		dir := t.TempDir()
		caPath := filepath.Join(dir, "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}
	store, err := NewRedisRefreshStore(cfg)
	if err != nil {
		t.Fatalf("new redis refresh store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping redis store: %v", err)
	}

	manager := NewRefreshManager(time.Minute, WithStore(store))
	token, _, err := manager.Create("user-redis")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	userID, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if !ok {
		t.Fatal("expected token to validate")
	}
	if userID != "user-redis" {
		t.Fatalf("expected user-redis, got %s", userID)
	}

	if _, ok, _ := store.Get(token); ok {
		t.Fatal("expected raw token to be absent from redis")
	}
	hashed, err := hashRefreshToken(token)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	record, ok, err := store.Get(hashed)
	if err != nil {
		t.Fatalf("get hashed token: %v", err)
	}
	if !ok {
		t.Fatal("expected hashed token to be stored")
	}
	if record.UserID != "user-redis" {
		t.Fatalf("expected user-redis, got %s", record.UserID)
	}

	if err := manager.Revoke(token); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, ok, err := manager.Validate(token); err != nil || ok {
		if err != nil {
			t.Fatalf("validate revoked token: %v", err)
		}
		t.Fatal("expected revoked token to be invalid")
	}
}

func TestRedisRefreshStoreRejectsExpiredSave(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	store, err := NewRedisRefreshStore(RedisRefreshStoreConfig{Addr: srv.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("new redis refresh store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	if err := store.Save("stale-hash", "user-late", time.Now().Add(-time.Minute)); err == nil {
		t.Fatal("expected error saving an already expired token")
	}
	if err := store.PurgeExpired(time.Now()); err != nil {
		t.Fatalf("purge expired: %v", err)
	}
}

func TestNewRedisRefreshStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisRefreshStore(RedisRefreshStoreConfig{}); err == nil {
		t.Fatal("expected error for missing addr")
	}
}
