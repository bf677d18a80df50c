package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	token, expiresAt, err := manager.IssueAccessToken("user-123", "alice")
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	remaining := time.Until(expiresAt)
	if remaining < 29*time.Minute || remaining > 31*time.Minute {
		t.Fatalf("expected roughly 30 minute expiry, got %v", remaining)
	}

	userID, err := manager.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken returned error: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("expected user id user-123, got %s", userID)
	}
}

func TestConfirmTokenRoundTrip(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	token, _, err := manager.IssueConfirmToken("user-456")
	if err != nil {
		t.Fatalf("IssueConfirmToken returned error: %v", err)
	}
	userID, err := manager.VerifyConfirmToken(token)
	if err != nil {
		t.Fatalf("VerifyConfirmToken returned error: %v", err)
	}
	if userID != "user-456" {
		t.Fatalf("expected user id user-456, got %s", userID)
	}
}

func TestTokenPurposesAreIsolated(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	access, _, err := manager.IssueAccessToken("user-123", "alice")
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	confirm, _, err := manager.IssueConfirmToken("user-123")
	if err != nil {
		t.Fatalf("IssueConfirmToken returned error: %v", err)
	}

	if _, err := manager.VerifyAccessToken(confirm); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected confirm token to fail access verification, got %v", err)
	}
	if _, err := manager.VerifyConfirmToken(access); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected access token to fail confirm verification, got %v", err)
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := manager.VerifyAccessToken(token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("expected ErrTokenInvalid for %q, got %v", token, err)
		}
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuer, err := NewTokenManager("issuer-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	verifier, err := NewTokenManager("verifier-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	token, _, err := issuer.IssueAccessToken("user-123", "alice")
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	if _, err := verifier.VerifyAccessToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
}

func TestVerifyRejectsUnsignedTokens(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	claims := Claims{
		Purpose: purposeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := manager.VerifyAccessToken(unsigned); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected alg=none token to be rejected, got %v", err)
	}
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	// Issue in the past, verify at the real clock.
	manager.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := manager.IssueAccessToken("user-123", "alice")
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	manager.now = time.Now

	if _, err := manager.VerifyAccessToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	if _, _, err := manager.IssueAccessToken("", "alice"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, _, err := manager.IssueConfirmToken(""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	if _, err := NewTokenManager(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewTokenManager("   "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestAccessTTLOption(t *testing.T) {
	manager, err := NewTokenManager("unit-test-secret", WithAccessTTL(5*time.Minute))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	if got := manager.AccessTTL(); got != 5*time.Minute {
		t.Fatalf("expected 5 minute access TTL, got %v", got)
	}

	_, expiresAt, err := manager.IssueAccessToken("user-123", "alice")
	if err != nil {
		t.Fatalf("IssueAccessToken returned error: %v", err)
	}
	remaining := time.Until(expiresAt)
	if remaining < 4*time.Minute || remaining > 6*time.Minute {
		t.Fatalf("expected roughly 5 minute expiry, got %v", remaining)
	}
}
