package recovery

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions []Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess.clone())
	return nil
}

// ListRecent returns finalized sessions, most recent first.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.sessions) == 0 {
		return nil, nil
	}
	start := len(s.sessions) - limit
	if start < 0 {
		start = 0
	}
	result := make([]Session, 0, len(s.sessions)-start)
	for i := len(s.sessions) - 1; i >= start; i-- {
		result = append(result, s.sessions[i].clone())
	}
	return result, nil
}
