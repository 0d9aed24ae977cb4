package fraud

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[uint32][]*Assessment
}

// NewMemoryStore creates an empty in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assessments: make(map[uint32][]*Assessment)}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.Factors = copyFactors(a.Factors)
	s.assessments[a.UserHash] = append(s.assessments[a.UserHash], &cp)
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userHash uint32, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[userHash]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		cp.Factors = copyFactors(all[i].Factors)
		result = append(result, &cp)
	}
	return result, nil
}

func copyFactors(in map[string]uint16) map[string]uint16 {
	out := make(map[string]uint16, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
