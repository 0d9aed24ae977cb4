package signature

import (
	"context"
	"sync"
)

// NonceStore tracks the last accepted nonce per scope. Implementations must
// treat Commit as authoritative: once committed, Last reflects the new value.
// Gaps between accepted nonces are fine; going backwards is not, and the
// verifier enforces that before calling Commit.
type NonceStore interface {
	// Last returns the last accepted nonce for scope, and whether any nonce
	// has been accepted yet.
	Last(ctx context.Context, scope string) (uint64, bool, error)
	// Commit records nonce as the last accepted value for scope.
	Commit(ctx context.Context, scope string, nonce uint64) error
}

// MemoryNonceStore keeps nonces in process memory. Suitable for tests and
// single-instance deployments that can re-learn nonces from the relay.
type MemoryNonceStore struct {
	mu     sync.RWMutex
	nonces map[string]uint64
}

// NewMemoryNonceStore creates an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]uint64)}
}

func (s *MemoryNonceStore) Last(_ context.Context, scope string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nonces[scope]
	return n, ok, nil
}

func (s *MemoryNonceStore) Commit(_ context.Context, scope string, nonce uint64) error {
	s.mu.Lock()
	s.nonces[scope] = nonce
	s.mu.Unlock()
	return nil
}
