package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAccessTokenTTL  = 30 * time.Minute
	defaultConfirmTokenTTL = 7 * 24 * time.Hour

	purposeAccess  = "access"
	purposeConfirm = "confirm"
)

// ErrTokenInvalid is returned for expired, malformed, or mispurposed tokens.
// Callers get no further detail, so a probing client cannot tell which check
// failed.
var ErrTokenInvalid = errors.New("token expired or invalid")

// Claims carried by vodhub access and confirmation tokens.
type Claims struct {
	Handle  string `json:"handle,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// TokenOption configures a TokenManager instance.
type TokenOption func(*TokenManager)

// WithAccessTTL overrides how long access tokens stay valid.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.accessTTL = ttl
		}
	}
}

// WithConfirmTTL overrides how long email confirmation tokens stay valid.
func WithConfirmTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.confirmTTL = ttl
		}
	}
}

// TokenManager signs and verifies the stateless JWTs used for API access and
// email confirmation. Refresh tokens are stateful and live in RefreshManager.
type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	confirmTTL time.Duration
	now        func() time.Time
}

// NewTokenManager constructs a TokenManager signing with HMAC-SHA256.
func NewTokenManager(secret string, opts ...TokenOption) (*TokenManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret required")
	}
	manager := &TokenManager{
		secret:     []byte(secret),
		accessTTL:  defaultAccessTokenTTL,
		confirmTTL: defaultConfirmTokenTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// IssueAccessToken mints a short-lived bearer token for the user.
func (m *TokenManager) IssueAccessToken(userID, handle string) (string, time.Time, error) {
	return m.issue(userID, handle, purposeAccess, m.accessTTL)
}

// IssueConfirmToken mints the token embedded in email confirmation links.
func (m *TokenManager) IssueConfirmToken(userID string) (string, time.Time, error) {
	return m.issue(userID, "", purposeConfirm, m.confirmTTL)
}

func (m *TokenManager) issue(userID, handle, purpose string, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	now := m.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Handle:  handle,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", purpose, err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken resolves a bearer token to its user identifier.
func (m *TokenManager) VerifyAccessToken(tokenString string) (string, error) {
	return m.verify(tokenString, purposeAccess)
}

// VerifyConfirmToken resolves a confirmation token to its user identifier.
func (m *TokenManager) VerifyConfirmToken(tokenString string) (string, error) {
	return m.verify(tokenString, purposeConfirm)
}

func (m *TokenManager) verify(tokenString, purpose string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil || !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.Purpose != purpose || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// AccessTTL reports how long newly issued access tokens stay valid.
func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}
