package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func registerTestAccount(t *testing.T, handler *Handler, handle string) authResponse {
	t.Helper()
	payload, _ := json.Marshal(registerRequest{Handle: handle, Email: handle + "@example.com", Password: "supersecret"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var response authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return response
}

func TestRegisterCreatesAccountAndIssuesTokens(t *testing.T) {
	handler, store := newTestHandler(t)

	payload, _ := json.Marshal(registerRequest{Handle: "alice", Email: "alice@example.com", Password: "supersecret"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var response authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if response.AccessToken == "" || response.RefreshToken == "" {
		t.Fatal("expected both tokens in register response")
	}
	if response.User.Handle != "alice" {
		t.Fatalf("expected handle alice, got %q", response.User.Handle)
	}
	if response.User.Verified {
		t.Fatal("expected freshly registered account to be unverified")
	}
	if _, ok := store.FindUserByHandle("alice"); !ok {
		t.Fatal("expected account persisted in store")
	}

	cookie := findCookie(t, rec.Result().Cookies(), "vodhub_refresh")
	if cookie.Value != response.RefreshToken {
		t.Fatal("expected refresh cookie to carry the refresh token")
	}
	if cookie.Path != "/api/auth" || !cookie.HttpOnly {
		t.Fatalf("unexpected refresh cookie attributes: %+v", cookie)
	}

	// The issued access token must resolve back to the account.
	meReq := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+response.AccessToken)
	meRec := httptest.NewRecorder()
	handler.Me(meRec, meReq)
	if meRec.Code != http.StatusOK {
		t.Fatalf("expected me status 200, got %d", meRec.Code)
	}
	var me userResponse
	if err := json.Unmarshal(meRec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if me.ID != response.User.ID {
		t.Fatalf("expected me to return user %s, got %s", response.User.ID, me.ID)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	handler, _ := newTestHandler(t)

	payload, _ := json.Marshal(registerRequest{Handle: "alice", Password: "short"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestRegisterDuplicateHandleConflict(t *testing.T) {
	handler, _ := newTestHandler(t)
	registerTestAccount(t, handler, "alice")

	// Handle uniqueness ignores case.
	payload, _ := json.Marshal(registerRequest{Handle: "Alice", Email: "other@example.com", Password: "supersecret"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Register(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRefreshCookieAttributes(t *testing.T) {
	cases := []struct {
		name         string
		configure    func(req *http.Request)
		policy       RefreshCookiePolicy
		wantSecure   bool
		wantSameSite http.SameSite
	}{
		{
			name:         "insecure localhost defaults to non secure",
			configure:    func(req *http.Request) {},
			policy:       RefreshCookiePolicy{},
			wantSecure:   false,
			wantSameSite: http.SameSiteStrictMode,
		},
		{
			name: "forwarded https enables secure cookie",
			configure: func(req *http.Request) {
				req.Header.Set("X-Forwarded-Proto", "https")
			},
			policy:       RefreshCookiePolicy{},
			wantSecure:   true,
			wantSameSite: http.SameSiteStrictMode,
		},
		{
			name:      "secure policy forces secure flag",
			configure: func(req *http.Request) {},
			policy: RefreshCookiePolicy{
				SameSite:   http.SameSiteLaxMode,
				SecureMode: RefreshCookieSecureAlways,
			},
			wantSecure:   true,
			wantSameSite: http.SameSiteLaxMode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, store := newTestHandler(t)
			handler.RefreshCookie = tc.policy
			createTestUser(t, store, "viewer")

			payload, _ := json.Marshal(loginRequest{Handle: "viewer", Password: "supersecret"})
			req := httptest.NewRequest(http.MethodPost, "http://localhost/api/auth/login", bytes.NewReader(payload))
			tc.configure(req)
			rec := httptest.NewRecorder()

			handler.Login(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
			cookie := findCookie(t, rec.Result().Cookies(), "vodhub_refresh")
			if cookie.Value == "" {
				t.Fatal("expected login to issue refresh cookie")
			}
			if cookie.Path != "/api/auth" {
				t.Fatalf("expected cookie path scoped to auth endpoints, got %q", cookie.Path)
			}
			if !cookie.HttpOnly {
				t.Fatal("expected HttpOnly cookie")
			}
			if cookie.Secure != tc.wantSecure {
				t.Fatalf("expected Secure=%v, got %v", tc.wantSecure, cookie.Secure)
			}
			if cookie.SameSite != tc.wantSameSite {
				t.Fatalf("expected SameSite %v, got %v", tc.wantSameSite, cookie.SameSite)
			}

			expiresIn := time.Until(cookie.Expires)
			if expiresIn < 7*24*time.Hour-time.Minute || expiresIn > 7*24*time.Hour+time.Minute {
				t.Fatalf("unexpected cookie expiry duration: %v", expiresIn)
			}
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler, store := newTestHandler(t)
	createTestUser(t, store, "viewer")

	cases := []loginRequest{
		{Handle: "viewer", Password: "wrongpassword"},
		{Handle: "nobody", Password: "supersecret"},
		{Handle: "viewer", Password: ""},
	}
	for _, attempt := range cases {
		payload, _ := json.Marshal(attempt)
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		handler.Login(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401 for %+v, got %d", attempt, rec.Code)
		}
	}
}

func TestRefreshRotatesAndRevokesOldToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	first := registerTestAccount(t, handler, "alice")

	payload, _ := json.Marshal(refreshRequest{RefreshToken: first.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.RefreshToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rotated authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode refresh response: %v", err)
	}
	if rotated.RefreshToken == "" || rotated.RefreshToken == first.RefreshToken {
		t.Fatal("expected rotation to mint a new refresh token")
	}
	if rotated.User.ID != first.User.ID {
		t.Fatalf("expected rotation for user %s, got %s", first.User.ID, rotated.User.ID)
	}

	// Replaying the consumed token must fail and clear the cookie.
	payload, _ = json.Marshal(refreshRequest{RefreshToken: first.RefreshToken})
	req = httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	handler.RefreshToken(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay status 401, got %d", rec.Code)
	}
	cleared := findCookie(t, rec.Result().Cookies(), "vodhub_refresh")
	if cleared.Value != "" || cleared.MaxAge != -1 {
		t.Fatalf("expected cleared refresh cookie, got %+v", cleared)
	}
}

func TestRefreshReadsCookieWhenBodyOmitsToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	first := registerTestAccount(t, handler, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader([]byte("{}")))
	req.AddCookie(&http.Cookie{Name: "vodhub_refresh", Value: first.RefreshToken})
	rec := httptest.NewRecorder()
	handler.RefreshToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshWithoutTokenUnauthorized(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	handler.RefreshToken(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	session := registerTestAccount(t, handler, "alice")

	payload, _ := json.Marshal(refreshRequest{RefreshToken: session.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	cookie := findCookie(t, rec.Result().Cookies(), "vodhub_refresh")
	if cookie.Value != "" || cookie.MaxAge != -1 {
		t.Fatalf("expected cleared refresh cookie, got %+v", cookie)
	}
	if !cookie.Expires.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("expected expires at unix epoch, got %v", cookie.Expires)
	}

	// The revoked token can no longer rotate.
	payload, _ = json.Marshal(refreshRequest{RefreshToken: session.RefreshToken})
	req = httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	handler.RefreshToken(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected post-logout refresh status 401, got %d", rec.Code)
	}

	// Logout without a token is still a 204.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	rec = httptest.NewRecorder()
	handler.Logout(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected repeated logout status 204, got %d", rec.Code)
	}
}

func TestMeRequiresValidAccessToken(t *testing.T) {
	handler, _ := newTestHandler(t)
	registerTestAccount(t, handler, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	rec := httptest.NewRecorder()
	handler.Me(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing token status 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.Me(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected garbage token status 401, got %d", rec.Code)
	}
}

func TestConfirmMarksAccountVerified(t *testing.T) {
	handler, store := newTestHandler(t)
	account := registerTestAccount(t, handler, "alice")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/confirm", nil)
	rec := httptest.NewRecorder()
	handler.Confirm(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected missing token status 400, got %d", rec.Code)
	}

	// An access token is not a confirmation token.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/confirm?token="+account.AccessToken, nil)
	rec = httptest.NewRecorder()
	handler.Confirm(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected mispurposed token status 401, got %d", rec.Code)
	}

	confirm, _, err := handler.Tokens.IssueConfirmToken(account.User.ID)
	if err != nil {
		t.Fatalf("IssueConfirmToken: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/auth/confirm?token="+confirm, nil)
	rec = httptest.NewRecorder()
	handler.Confirm(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var confirmed userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &confirmed); err != nil {
		t.Fatalf("decode confirm response: %v", err)
	}
	if !confirmed.Verified {
		t.Fatal("expected confirm response to report verified")
	}
	stored, ok := store.GetUser(account.User.ID)
	if !ok || !stored.Verified {
		t.Fatal("expected verification persisted in store")
	}
}

func TestConfirmResendHonorsVerification(t *testing.T) {
	handler, store := newTestHandler(t)
	account := registerTestAccount(t, handler, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/confirm/resend", nil)
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	rec := httptest.NewRecorder()
	handler.ConfirmResend(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := store.MarkUserVerified(account.User.ID); err != nil {
		t.Fatalf("MarkUserVerified: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/confirm/resend", nil)
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	rec = httptest.NewRecorder()
	handler.ConfirmResend(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected already-verified status 409, got %d", rec.Code)
	}
}

func TestAuthEndpointsEnforceMethods(t *testing.T) {
	handler, _ := newTestHandler(t)

	cases := []struct {
		name    string
		method  string
		call    func(w http.ResponseWriter, r *http.Request)
		allowed string
	}{
		{"register", http.MethodGet, handler.Register, "POST"},
		{"login", http.MethodDelete, handler.Login, "POST"},
		{"refresh", http.MethodGet, handler.RefreshToken, "POST"},
		{"logout", http.MethodGet, handler.Logout, "POST"},
		{"me", http.MethodPost, handler.Me, "GET"},
		{"confirm", http.MethodPost, handler.Confirm, "GET"},
		{"confirm resend", http.MethodGet, handler.ConfirmResend, "POST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/auth/any", nil)
			rec := httptest.NewRecorder()
			tc.call(rec, req)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("expected status 405, got %d", rec.Code)
			}
			if allow := rec.Header().Get("Allow"); allow != tc.allowed {
				t.Fatalf("expected Allow %q, got %q", tc.allowed, allow)
			}
		})
	}
}
