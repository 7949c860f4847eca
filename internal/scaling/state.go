package scaling

import (
	"context"
	"sync"

	"github.com/opensource-security/kestrel/internal/domain"
)

// MemoryStateStore is the single-node SharedEvaluationStateStore. Multi-
// replica deployments use the Redis-backed store instead; a process-local
// map cannot prevent two replicas firing on the same key.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]domain.EvaluationState
}

// NewMemoryStateStore creates an empty in-process state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]domain.EvaluationState),
	}
}

// GetState returns the key's state, or nil when absent.
func (s *MemoryStateStore) GetState(ctx context.Context, key string) (*domain.EvaluationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[key]
	if !ok {
		return nil, nil
	}
	copied := st
	return &copied, nil
}

// SetState replaces the key's state.
func (s *MemoryStateStore) SetState(ctx context.Context, key string, state *domain.EvaluationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key] = *state
	return nil
}
