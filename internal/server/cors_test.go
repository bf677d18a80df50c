package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustCORSPolicy(t *testing.T, cfg CORSConfig) corsPolicy {
	t.Helper()
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		t.Fatalf("newCORSPolicy error: %v", err)
	}
	return policy
}

func TestNormalizeOrigin(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		origin  string
		want    string
		wantErr bool
	}{
		{name: "blank", origin: "  ", want: ""},
		{name: "lowercases", origin: "HTTPS://Studio.Example.COM", want: "https://studio.example.com"},
		{name: "drops path", origin: "https://watch.example.com/embed", want: "https://watch.example.com"},
		{name: "keeps port", origin: "http://localhost:3000", want: "http://localhost:3000"},
		{name: "missing scheme", origin: "studio.example.com", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeOrigin(tc.origin)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.origin, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOrigin(%q) error: %v", tc.origin, err)
			}
			if got != tc.want {
				t.Fatalf("normalizeOrigin(%q) = %q, want %q", tc.origin, got, tc.want)
			}
		})
	}
}

func TestCORSMiddlewareOriginDecisions(t *testing.T) {
	t.Parallel()

	policy := mustCORSPolicy(t, CORSConfig{
		ConsoleOrigins: []string{"https://studio.example.com"},
		PlayerOrigins:  []string{"https://watch.example.com"},
	})

	for _, tc := range []struct {
		name       string
		origin     string
		host       string
		wantStatus int
		wantNext   bool
	}{
		{name: "console origin", origin: "https://studio.example.com", host: "api.example.com", wantStatus: http.StatusOK, wantNext: true},
		{name: "player origin", origin: "https://watch.example.com", host: "api.example.com", wantStatus: http.StatusOK, wantNext: true},
		{name: "same origin", origin: "http://api.example.com", host: "api.example.com", wantStatus: http.StatusOK, wantNext: true},
		{name: "unknown origin", origin: "https://evil.example.com", host: "api.example.com", wantStatus: http.StatusForbidden, wantNext: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
			req.Header.Set("Origin", tc.origin)
			req.Host = tc.host
			rec := httptest.NewRecorder()

			corsMiddleware(policy, nil, next).ServeHTTP(rec, req)

			if called != tc.wantNext {
				t.Fatalf("next handler called = %v, want %v", called, tc.wantNext)
			}
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantNext {
				if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.origin {
					t.Fatalf("allow origin = %q, want %q", got, tc.origin)
				}
			}
		})
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	t.Parallel()

	policy := mustCORSPolicy(t, CORSConfig{PlayerOrigins: []string{"https://watch.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/videos", nil)
	req.Header.Set("Origin", "https://watch.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, Authorization")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != corsAllowMethods {
		t.Fatalf("allow methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
		t.Fatalf("allow headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != corsPreflightAge {
		t.Fatalf("max age = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://watch.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestCORSMiddlewarePreflightWithoutMethodHeader(t *testing.T) {
	t.Parallel()

	policy := mustCORSPolicy(t, CORSConfig{ConsoleOrigins: []string{"https://studio.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/videos", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Host = "api.example.com"
	rec := httptest.NewRecorder()

	corsMiddleware(policy, nil, http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "" {
		t.Fatalf("expected no allow methods without a requested method, got %q", got)
	}
}

func TestServerCORSAllowsConfiguredOrigins(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{
		Addr: "127.0.0.1:0",
		CORS: CORSConfig{
			ConsoleOrigins: []string{"https://studio.example.com"},
			PlayerOrigins:  []string{"https://watch.example.com"},
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, tc := range []struct {
		name   string
		origin string
	}{
		{name: "console", origin: "https://studio.example.com"},
		{name: "player", origin: "https://watch.example.com"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req.Header.Set("Origin", tc.origin)

			srv.httpServer.Handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected health check success, got %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.origin {
				t.Fatalf("unexpected allow origin header: %q", got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
				t.Fatalf("expected allow credentials header, got %q", got)
			}
		})
	}
}

func TestServerCORSBlocksUnknownOrigin(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{
		Addr: "127.0.0.1:0",
		CORS: CORSConfig{ConsoleOrigins: []string{"https://studio.example.com"}},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")

	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}
