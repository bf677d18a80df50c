package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// RefreshStore defines the persistence contract for refresh tokens. Stores
// only ever see the SHA-256 hash of a token; the plaintext stays with the
// client.
type RefreshStore interface {
	Save(tokenHash, userID string, expiresAt time.Time) error
	Get(tokenHash string) (RefreshRecord, bool, error)
	Delete(tokenHash string) error
	PurgeExpired(now time.Time) error
}

// RefreshRecord captures a refresh token row retrieved from the backing store.
type RefreshRecord struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
}

// RefreshOption configures a RefreshManager instance.
type RefreshOption func(*RefreshManager)

// WithStore injects a custom RefreshStore implementation.
func WithStore(store RefreshStore) RefreshOption {
	return func(m *RefreshManager) {
		m.store = store
	}
}

// WithTokenLength sets the byte length used for newly minted tokens.
func WithTokenLength(length int) RefreshOption {
	return func(m *RefreshManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// RefreshManager coordinates refresh token creation and validation against a
// backing store.
type RefreshManager struct {
	store        RefreshStore
	ttl          time.Duration
	tokenLength  int
	tokenFactory func(int) (string, error)
}

// NewRefreshManager constructs a RefreshManager with the provided TTL and options.
// The manager defaults to a 7-day TTL and an in-memory store for local development
// when no store is supplied.
func NewRefreshManager(ttl time.Duration, opts ...RefreshOption) *RefreshManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &RefreshManager{
		ttl:          ttl,
		tokenLength:  32,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryRefreshStore()
	}
	return manager
}

// Create mints a refresh token for the provided user identifier and persists
// its hash.
func (m *RefreshManager) Create(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	hashed, err := hashRefreshToken(token)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Now().Add(m.ttl).UTC()
	if err := m.store.Save(hashed, userID, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate checks the backing store for the provided token and returns the
// associated user when valid.
func (m *RefreshManager) Validate(token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}
	hashed, err := hashRefreshToken(token)
	if err != nil {
		return "", false, nil
	}
	record, ok, err := m.store.Get(hashed)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	if time.Now().After(record.ExpiresAt) {
		_ = m.store.Delete(hashed)
		return "", false, nil
	}
	return record.UserID, true, nil
}

// Revoke deletes the refresh token from the backing store.
func (m *RefreshManager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	hashed, err := hashRefreshToken(token)
	if err != nil {
		return nil
	}
	return m.store.Delete(hashed)
}

// PurgeExpired removes any expired tokens from the backing store.
func (m *RefreshManager) PurgeExpired() error {
	return m.store.PurgeExpired(time.Now())
}

// Ping verifies the underlying store is reachable when it exposes a ping method.
func (m *RefreshManager) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashRefreshToken derives the store key for a token. Only the hash is ever
// written, so a leaked store dump cannot be replayed as live tokens.
func hashRefreshToken(token string) (string, error) {
	if token == "" {
		return "", errRefreshTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

var errRefreshTokenRequired = errors.New("refresh token required")

// ErrInvalidUserID is returned when attempting to mint a token without a user identifier.
var ErrInvalidUserID = errors.New("userID is required")
