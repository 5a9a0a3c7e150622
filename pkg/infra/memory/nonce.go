package memory

import (
	"context"
	"sync"
	"time"
)

// NonceStore is an in-process anti-replay store. Single-process only:
// multi-instance deployments must use the shared Firestore adapter.
type NonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // nonce -> expiry
	now  func() time.Time
}

// NewNonceStore creates an empty nonce store.
func NewNonceStore() *NonceStore {
	return &NonceStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// NewNonceStoreWithClock creates a nonce store with an injected time
// source, for tests.
func NewNonceStoreWithClock(now func() time.Time) *NonceStore {
	return &NonceStore{
		seen: make(map[string]time.Time),
		now:  now,
	}
}

// CheckAndStore returns true if nonce has not been seen within its
// TTL, recording it as seen. Expired entries are swept opportunistically.
func (s *NonceStore) CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for n, expiry := range s.seen {
		if now.After(expiry) {
			delete(s.seen, n)
		}
	}

	if expiry, ok := s.seen[nonce]; ok && now.Before(expiry) {
		return false, nil
	}

	s.seen[nonce] = now.Add(ttl)
	return true, nil
}
