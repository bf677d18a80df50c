package testsupport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"vodhub/internal/auth"
)

// RefreshStoreStub is an in-memory auth.RefreshStore implementation intended for tests.
// Records are keyed by token hash just like the production stores; the raw-token
// helpers hash with SHA-256 the same way the auth package does at rest.
type RefreshStoreStub struct {
	mu     sync.RWMutex
	tokens map[string]auth.RefreshRecord
}

// NewRefreshStoreStub constructs a RefreshStoreStub with empty state.
func NewRefreshStoreStub() *RefreshStoreStub {
	return &RefreshStoreStub{tokens: make(map[string]auth.RefreshRecord)}
}

// Save records the refresh token details for the provided hash.
func (s *RefreshStoreStub) Save(tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	s.tokens[tokenHash] = auth.RefreshRecord{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt.UTC()}
	s.mu.Unlock()
	return nil
}

// Get retrieves the refresh record for the provided hash.
func (s *RefreshStoreStub) Get(tokenHash string) (auth.RefreshRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.tokens[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the refresh token hash from the store.
func (s *RefreshStoreStub) Delete(tokenHash string) error {
	s.mu.Lock()
	delete(s.tokens, tokenHash)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes tokens that have passed their expiration.
func (s *RefreshStoreStub) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for tokenHash, record := range s.tokens {
		if now.After(record.ExpiresAt) {
			delete(s.tokens, tokenHash)
		}
	}
	s.mu.Unlock()
	return nil
}

// SeedToken inserts a record for the raw token with the provided values,
// overriding any existing entry.
func (s *RefreshStoreStub) SeedToken(token, userID string, expiresAt time.Time) {
	tokenHash := hashToken(token)
	s.mu.Lock()
	s.tokens[tokenHash] = auth.RefreshRecord{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt.UTC()}
	s.mu.Unlock()
}

// RecordForToken hashes the raw token and returns the stored record when present.
func (s *RefreshStoreStub) RecordForToken(token string) (auth.RefreshRecord, bool) {
	s.mu.RLock()
	record, ok := s.tokens[hashToken(token)]
	s.mu.RUnlock()
	return record, ok
}

// Record looks up a token hash directly and returns the stored record when present.
func (s *RefreshStoreStub) Record(tokenHash string) (auth.RefreshRecord, bool) {
	s.mu.RLock()
	record, ok := s.tokens[tokenHash]
	s.mu.RUnlock()
	return record, ok
}

// Len reports how many refresh records the stub currently holds.
func (s *RefreshStoreStub) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Ping reports success for compatibility with RefreshManager health checks.
func (s *RefreshStoreStub) Ping(context.Context) error { return nil }

func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
