package service

import (
	"context"
	"sync"
	"time"
)

// LeaseStore reserves an account between selection and the usage record,
// so concurrent callers do not pick the same account.
type LeaseStore interface {
	// Acquire reports whether the lease was taken. An existing unexpired lease makes it false.
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, accountID string) error
}

// MemoryLeaseStore keeps leases in process memory.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]time.Time
	nowFn  func() time.Time
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]time.Time), nowFn: time.Now}
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, accountID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	if until, ok := s.leases[accountID]; ok && now.Before(until) {
		return false, nil
	}
	s.leases[accountID] = now.Add(ttl)
	return true, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, accountID)
	return nil
}
