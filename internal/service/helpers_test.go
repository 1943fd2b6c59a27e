package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type accountFixture struct {
	reg     *AccountRegistry
	tracker *HealthTracker
	clock   *fakeClock
}

func newAccountFixture(t *testing.T, store AccountStore) *accountFixture {
	t.Helper()
	clock := newFakeClock()
	reg := NewAccountRegistry(store, logger.Discard())
	reg.nowFn = clock.Now
	tracker := NewHealthTracker(reg, DefaultHealthPolicy(), logger.Discard())
	tracker.nowFn = clock.Now
	return &accountFixture{reg: reg, tracker: tracker, clock: clock}
}

func (f *accountFixture) pool(t *testing.T, platform, name string) domain.Pool {
	t.Helper()
	p, err := f.reg.CreatePool(context.Background(), platform, name)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return p
}

func (f *accountFixture) account(t *testing.T, poolID, name string, in AccountInput) domain.Account {
	t.Helper()
	in.Name = name
	acc, err := f.reg.AddAccountWith(context.Background(), poolID, in)
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	return acc
}

// memoryAccountStore records what the registry and tracker write through.
type memoryAccountStore struct {
	mu       sync.Mutex
	pools    map[string]domain.Pool
	accounts map[string]domain.Account
	health   map[string]domain.AccountHealth
	failNext error
}

func newMemoryAccountStore() *memoryAccountStore {
	return &memoryAccountStore{
		pools:    make(map[string]domain.Pool),
		accounts: make(map[string]domain.Account),
		health:   make(map[string]domain.AccountHealth),
	}
}

func (s *memoryAccountStore) takeErr() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memoryAccountStore) SavePool(_ context.Context, p *domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	s.pools[p.ID] = *p
	return nil
}

func (s *memoryAccountStore) DeletePool(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, id)
	for accID, a := range s.accounts {
		if a.PoolID == id {
			delete(s.accounts, accID)
			delete(s.health, accID)
		}
	}
	return nil
}

func (s *memoryAccountStore) SaveAccount(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *memoryAccountStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	delete(s.health, id)
	return nil
}

func (s *memoryAccountStore) SaveHealth(_ context.Context, h *domain.AccountHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[h.AccountID] = *h
	return nil
}

func (s *memoryAccountStore) LoadAll(context.Context) ([]domain.Pool, []domain.AccountHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pools []domain.Pool
	for _, p := range s.pools {
		for _, a := range s.accounts {
			if a.PoolID == p.ID {
				p.Accounts = append(p.Accounts, a)
			}
		}
		pools = append(pools, p)
	}
	var health []domain.AccountHealth
	for _, h := range s.health {
		health = append(health, h)
	}
	return pools, health, nil
}
