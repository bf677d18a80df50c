package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodhub/internal/api"
	"vodhub/internal/auth"
	"vodhub/internal/models"
	"vodhub/internal/storage"
	"vodhub/web"
)

func newTestHandler(t *testing.T) (*api.Handler, *storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.json")
	store, err := storage.NewStorage(storePath)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	tokens, err := auth.NewTokenManager("server-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager error: %v", err)
	}
	return api.NewHandler(store, tokens, auth.NewRefreshManager(time.Hour)), store
}

func seedAccount(t *testing.T, handler *api.Handler, store *storage.Storage, handle string) (models.User, string) {
	t.Helper()
	user, err := store.CreateUser(storage.CreateUserParams{
		Handle:   handle,
		Email:    handle + "@example.com",
		Password: "supersecret",
	})
	if err != nil {
		t.Fatalf("CreateUser error: %v", err)
	}
	token, _, err := handler.Tokens.IssueAccessToken(user.ID, user.Handle)
	if err != nil {
		t.Fatalf("IssueAccessToken error: %v", err)
	}
	return user, token
}

func seedPublishedVideo(t *testing.T, store *storage.Storage, ownerID string) models.Video {
	t.Helper()
	video, err := store.CreateVideo(storage.CreateVideoParams{OwnerID: ownerID, Title: "Launch recap"})
	if err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}
	published := true
	updated, err := store.UpdateVideo(video.ID, ownerID, storage.VideoUpdate{Published: &published})
	if err != nil {
		t.Fatalf("UpdateVideo error: %v", err)
	}
	return updated
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	handler, store := newTestHandler(t)
	user, token := seedAccount(t, handler, store, "creator")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		ctxUser, ok := api.UserFromContext(r.Context())
		if !ok {
			t.Fatal("expected user in context")
		}
		if ctxUser.ID != user.ID {
			t.Fatalf("expected user %s, got %s", user.ID, ctxUser.ID)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos/mine", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected middleware to call next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/videos/mine", nil)
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] == "" {
		t.Fatal("expected error message in response")
	}
}

func TestAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/videos/vid-1", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAllowsWebhookPostWithoutToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/videos/vid-1/processing-webhook", nil)
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected middleware to pass the webhook through")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}

	// Other per-video actions still need a token.
	blocked := httptest.NewRequest(http.MethodPost, "/api/videos/vid-1/upload-complete", nil)
	blockedRec := httptest.NewRecorder()
	authMiddleware(handler, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})).ServeHTTP(blockedRec, blocked)
	if blockedRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for upload-complete, got %d", blockedRec.Code)
	}
}

func TestAuthMiddlewareAllowsAnonymousVideoReads(t *testing.T) {
	handler, store := newTestHandler(t)
	owner, _ := seedAccount(t, handler, store, "owner")
	video := seedPublishedVideo(t, store, owner.ID)

	videoPath := fmt.Sprintf("/api/videos/%s", video.ID)

	getNextCalled := false
	getNext := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		getNextCalled = true
		handler.VideoByID(w, r)
	})

	getReq := httptest.NewRequest(http.MethodGet, videoPath, nil)
	getRec := httptest.NewRecorder()

	authMiddleware(handler, getNext).ServeHTTP(getRec, getReq)

	if !getNextCalled {
		t.Fatal("expected middleware to call next handler for video GET")
	}
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", getRec.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	listRec := httptest.NewRecorder()
	listNext := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Videos(w, r)
	})
	authMiddleware(handler, listNext).ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected status 200 for list, got %d", listRec.Code)
	}

	patchNextCalled := false
	patchNext := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		patchNextCalled = true
	})

	patchReq := httptest.NewRequest(http.MethodPatch, videoPath, strings.NewReader(`{}`))
	patchRec := httptest.NewRecorder()

	authMiddleware(handler, patchNext).ServeHTTP(patchRec, patchReq)

	if patchNextCalled {
		t.Fatal("expected middleware not to call next handler for PATCH without auth")
	}
	if patchRec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", patchRec.Code)
	}
}

func TestAuthMiddlewareDegradesStaleTokenOnPublicRoutes(t *testing.T) {
	handler, store := newTestHandler(t)
	owner, _ := seedAccount(t, handler, store, "owner")
	video := seedPublishedVideo(t, store, owner.ID)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if _, ok := api.UserFromContext(r.Context()); ok {
			t.Fatal("expected no user in context for a stale token")
		}
		handler.VideoByID(w, r)
	})

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/videos/%s", video.ID), nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()

	authMiddleware(handler, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected middleware to call next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestClientIPResolverIgnoresForwardedByDefault(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "198.51.100.10" {
		t.Fatalf("expected remote addr, got %q", ip)
	}
	if source != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source)
	}
}

func TestClientIPResolverTrustsForwardedWhenEnabled(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.5" {
		t.Fatalf("expected first forwarded ip, got %q", ip)
	}
	if source != ipSourceXForwardedFor {
		t.Fatalf("expected source %q, got %q", ipSourceXForwardedFor, source)
	}
}

func TestClientIPResolverTrustedProxyCIDR(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.10" {
		t.Fatalf("expected real ip header, got %q", ip)
	}
	if source != ipSourceXRealIP {
		t.Fatalf("expected source %q, got %q", ipSourceXRealIP, source)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "198.51.100.20:4444"
	req2.Header.Set("X-Forwarded-For", "203.0.113.11")
	ip2, source2 := resolver.ClientIPFromRequest(req2)
	if ip2 != "198.51.100.20" {
		t.Fatalf("expected remote addr for untrusted proxy, got %q", ip2)
	}
	if source2 != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source2)
	}
}

func TestRateLimitMiddlewareSpoofedHeadersIgnoredByDefault(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := rateLimitMiddleware(rl, resolver, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req1.RemoteAddr = "198.51.100.1:1234"
	req1.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req2.RemoteAddr = "198.51.100.1:5678"
	req2.Header.Set("X-Forwarded-For", "203.0.113.2")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
}

func TestRateLimitMiddlewareHonorsTrustedForwardedHeaders(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter error: %v", err)
	}
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := rateLimitMiddleware(rl, resolver, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req1.RemoteAddr = "10.1.2.3:9999"
	req1.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req2.RemoteAddr = "10.1.2.3:10000"
	req2.Header.Set("X-Forwarded-For", "203.0.113.50")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", rec2.Code)
	}
}

func TestAuditMiddlewareRecordsActor(t *testing.T) {
	handler, store := newTestHandler(t)
	user, token := seedAccount(t, handler, store, "auditor")

	var buf bytes.Buffer
	auditLogger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := auditMiddleware(auditLogger, nil, authMiddleware(handler, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/videos", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	chain.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if entry["user_id"] != user.ID {
		t.Fatalf("expected audit user_id %q, got %v", user.ID, entry["user_id"])
	}
	if entry["method"] != http.MethodPost {
		t.Fatalf("expected audit method POST, got %v", entry["method"])
	}
	if entry["path"] != "/api/videos" {
		t.Fatalf("expected audit path /api/videos, got %v", entry["path"])
	}
}

func TestAuditMiddlewareSkipsReads(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := auditMiddleware(auditLogger, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	chain.ServeHTTP(httptest.NewRecorder(), req)

	if buf.Len() != 0 {
		t.Fatalf("expected no audit output for GET, got %q", buf.String())
	}
}

func TestSPAHandlerServesConsole(t *testing.T) {
	staticFS, err := web.Assets()
	if err != nil {
		t.Fatalf("Assets error: %v", err)
	}
	index, err := web.Index()
	if err != nil {
		t.Fatalf("Index error: %v", err)
	}

	handler := spaHandler(staticFS, index, http.FileServer(http.FS(staticFS)))

	req := httptest.NewRequest(http.MethodGet, "/library", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<main id="console"`) {
		t.Fatalf("expected console markup in response, got %q", body)
	}
	if !strings.Contains(body, `<form id="register-form"`) {
		t.Fatalf("expected register form markup in response, got %q", body)
	}
}

func TestServerChainHandlesRegisterAndUpload(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	register := httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"handle":"flow","email":"flow@example.com","password":"supersecret"}`))
	register.Header.Set("Content-Type", "application/json")
	registerRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(registerRec, register)
	if registerRec.Code != http.StatusCreated {
		t.Fatalf("register through chain: expected 201, got %d: %s", registerRec.Code, registerRec.Body.String())
	}
	var session struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(registerRec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if session.AccessToken == "" {
		t.Fatal("expected access token in register response")
	}

	create := httptest.NewRequest(http.MethodPost, "/api/videos",
		strings.NewReader(`{"title":"First light"}`))
	create.Header.Set("Authorization", "Bearer "+session.AccessToken)
	createRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(createRec, create)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create through chain: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	if createRec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header on chain responses")
	}

	list := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	listRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(listRec, list)
	if listRec.Code != http.StatusOK {
		t.Fatalf("anonymous list through chain: expected 200, got %d", listRec.Code)
	}
	var listing struct {
		Videos []struct {
			ID string `json:"id"`
		} `json:"videos"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Total != 0 || len(listing.Videos) != 0 {
		t.Fatalf("expected fresh upload to stay hidden until published, got %+v", listing)
	}
}
