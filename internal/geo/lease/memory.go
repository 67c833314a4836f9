package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// MemoryStore keeps leases in process memory. It is suitable for single
// process deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	now    helper.Clock
	leases map[string]memoryLease
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(now helper.Clock) *MemoryStore {
	if now == nil {
		now = helper.SystemClock
	}

	return &MemoryStore{now: now, leases: make(map[string]memoryLease)}
}

// TryObtain implements Store.
func (s *MemoryStore) TryObtain(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if current, ok := s.leases[key]; ok && current.expiresAt.After(now) {
		return "", nil
	}

	token := uuid.New().String()
	s.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	return token, nil
}

// Cancel implements Store.
func (s *MemoryStore) Cancel(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[key]; ok && current.token == token {
		delete(s.leases, key)
	}

	return nil
}
