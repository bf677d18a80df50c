package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vodhub/internal/testsupport/redisstub"
)

func startThrottleStore(t *testing.T, useTLS bool) *redisStore {
	t.Helper()

	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	cfg := redisStoreConfig{
		Addr:     srv.Addr(),
		Password: "secret",
		Timeout:  time.Second,
	}
	if useTLS {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath}
	}

	store, err := newRedisStore(cfg)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})
	return store
}

func TestRedisLoginThrottle(t *testing.T) {
	for _, tc := range []struct {
		name string
		tls  bool
	}{
		{name: "plain", tls: false},
		{name: "tls", tls: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := startThrottleStore(t, tc.tls)

			const window = time.Second
			key := "login:203.0.113.7"

			for attempt := 1; attempt <= 3; attempt++ {
				allowed, _, err := store.Allow(key, 3, window)
				if err != nil {
					t.Fatalf("attempt %d: %v", attempt, err)
				}
				if !allowed {
					t.Fatalf("attempt %d throttled below the limit", attempt)
				}
			}

			allowed, retry, err := store.Allow(key, 3, window)
			if err != nil {
				t.Fatalf("over-limit attempt: %v", err)
			}
			if allowed {
				t.Fatal("expected throttle once the limit is spent")
			}
			if retry < 0 || retry > window {
				t.Fatalf("retry-after %v outside window %v", retry, window)
			}

			allowed, _, err = store.Allow("login:198.51.100.9", 3, window)
			if err != nil {
				t.Fatalf("second address: %v", err)
			}
			if !allowed {
				t.Fatal("throttle leaked across addresses")
			}
		})
	}
}
