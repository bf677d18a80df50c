package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryRefreshStore keeps refresh token state in process memory. It is safe
// for concurrent use and meant for development or single-instance
// deployments; anything multi-instance needs the Postgres or Redis store.
type MemoryRefreshStore struct {
	mu     sync.RWMutex
	tokens map[string]RefreshRecord
}

// NewMemoryRefreshStore constructs an in-memory store implementation.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{tokens: make(map[string]RefreshRecord)}
}

// Save records the refresh token details for the provided hash.
func (s *MemoryRefreshStore) Save(tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenHash] = RefreshRecord{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt}
	return nil
}

// Get retrieves the record for the provided hash. Expired entries are dropped
// on read, so a process that never runs PurgeExpired still sheds dead tokens.
func (s *MemoryRefreshStore) Get(tokenHash string) (RefreshRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.tokens[tokenHash]
	s.mu.RUnlock()
	if !ok {
		return RefreshRecord{}, false, nil
	}
	if time.Now().After(record.ExpiresAt) {
		s.mu.Lock()
		// Re-check under the write lock in case the entry was replaced.
		if current, still := s.tokens[tokenHash]; still && time.Now().After(current.ExpiresAt) {
			delete(s.tokens, tokenHash)
		}
		s.mu.Unlock()
		return RefreshRecord{}, false, nil
	}
	return record, true, nil
}

// Delete removes the refresh token from the store.
func (s *MemoryRefreshStore) Delete(tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenHash)
	return nil
}

// PurgeExpired removes every token that expired before now.
func (s *MemoryRefreshStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tokenHash, record := range s.tokens {
		if now.After(record.ExpiresAt) {
			delete(s.tokens, tokenHash)
		}
	}
	return nil
}

// Ping always reports success for the in-memory refresh store.
func (s *MemoryRefreshStore) Ping(context.Context) error {
	return nil
}
