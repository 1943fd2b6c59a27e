package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

// Strategy selects one account among the available candidates.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyPriority   Strategy = "priority"
	StrategyRandom     Strategy = "random"
)

// ParseStrategy maps a name to a Strategy. An empty name is round robin.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case "", StrategyRoundRobin:
		return StrategyRoundRobin, nil
	case StrategyLeastUsed:
		return StrategyLeastUsed, nil
	case StrategyPriority:
		return StrategyPriority, nil
	case StrategyRandom:
		return StrategyRandom, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidInput, name)
}

type candidate struct {
	account  domain.Account
	lastUsed *time.Time
	total    int
}

// Scheduler picks one healthy account per outbound action.
type Scheduler struct {
	reg      *AccountRegistry
	health   *HealthTracker
	leases   LeaseStore
	leaseTTL time.Duration
	log      *logger.Logger
	nowFn    func() time.Time
	shuffle  func(n int, swap func(i, j int))
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLeases reserves each picked account for ttl until its usage is recorded.
func WithLeases(store LeaseStore, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.leases = store
		s.leaseTTL = ttl
	}
}

// NewScheduler creates a scheduler over the registry and tracker.
func NewScheduler(reg *AccountRegistry, health *HealthTracker, log *logger.Logger, opts ...SchedulerOption) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	s := &Scheduler{
		reg:      reg,
		health:   health,
		leaseTTL: 2 * time.Minute,
		log:      log.WithComponent("scheduler"),
		nowFn:    time.Now,
		shuffle:  rand.Shuffle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextAccount returns an available account of platform chosen by strategy.
// Parameters:
//   - ctx: context for lease calls.
//   - platform: target platform.
//   - strategy: rotation policy.
// Returns:
//   - domain.Account: the chosen account, credential included.
//   - error: domain.ErrUnavailable when no account is eligible right now.
func (s *Scheduler) NextAccount(ctx context.Context, platform string, strategy Strategy) (domain.Account, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	cands := s.candidates(platform)
	if len(cands) == 0 {
		return domain.Account{}, fmt.Errorf("platform %s: %w", platform, domain.ErrUnavailable)
	}

	s.rank(cands, strategy)

	if s.leases == nil {
		return cands[0].account, nil
	}
	for _, c := range cands {
		ok, err := s.leases.Acquire(ctx, c.account.ID, s.leaseTTL)
		if err != nil {
			// lease backend down: hand out the best candidate unreserved
			s.log.WithError(err).WithField(logger.FieldAccountID, c.account.ID).Warn("Lease acquire failed")
			return c.account, nil
		}
		if ok {
			return c.account, nil
		}
	}
	return domain.Account{}, fmt.Errorf("platform %s: all candidates leased: %w", platform, domain.ErrUnavailable)
}

// RecordUsage records the outcome through the health tracker and releases the lease.
func (s *Scheduler) RecordUsage(ctx context.Context, accountID string, success bool, errText string) error {
	err := s.health.RecordUsage(ctx, accountID, success, errText)
	s.release(ctx, accountID)
	return err
}

// RecordRateLimit marks the account rate limited and releases the lease.
func (s *Scheduler) RecordRateLimit(ctx context.Context, accountID string, resetAt time.Time, errText string) error {
	err := s.health.SetRateLimit(ctx, accountID, resetAt, errText)
	s.release(ctx, accountID)
	return err
}

// Release frees the lease on accountID without touching its health, for
// actions abandoned before the account was used.
func (s *Scheduler) Release(ctx context.Context, accountID string) {
	s.release(ctx, accountID)
}

func (s *Scheduler) release(ctx context.Context, accountID string) {
	if s.leases == nil {
		return
	}
	if err := s.leases.Release(ctx, accountID); err != nil {
		s.log.WithError(err).WithField(logger.FieldAccountID, accountID).Warn("Lease release failed")
	}
}

// candidates collects active, available accounts of every enabled pool of platform.
func (s *Scheduler) candidates(platform string) []candidate {
	now := s.nowFn()
	var out []candidate
	var refreshed []domain.AccountHealth

	for _, v := range s.reg.views(platform, true) {
		for _, e := range v.entries {
			e.mu.Lock()
			if e.removed || !e.account.Active {
				e.mu.Unlock()
				continue
			}
			if refreshLocked(&e.health, now) {
				refreshed = append(refreshed, copyHealth(e.health))
			}
			if available(e.account, e.health, now) {
				out = append(out, candidate{
					account:  copyAccount(e.account),
					lastUsed: cloneTimePtr(e.health.LastUsed),
					total:    e.health.TotalPostCount,
				})
			}
			e.mu.Unlock()
		}
	}

	for i := range refreshed {
		s.health.persist(context.Background(), &refreshed[i])
	}
	return out
}

func (s *Scheduler) rank(cands []candidate, strategy Strategy) {
	switch strategy {
	case StrategyLeastUsed:
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].total != cands[j].total {
				return cands[i].total < cands[j].total
			}
			return usedBefore(cands[i].lastUsed, cands[j].lastUsed)
		})
	case StrategyPriority:
		sort.SliceStable(cands, func(i, j int) bool {
			if cands[i].account.Priority != cands[j].account.Priority {
				return cands[i].account.Priority > cands[j].account.Priority
			}
			return usedBefore(cands[i].lastUsed, cands[j].lastUsed)
		})
	case StrategyRandom:
		s.shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	default:
		sort.SliceStable(cands, func(i, j int) bool {
			return usedBefore(cands[i].lastUsed, cands[j].lastUsed)
		})
	}
}

// usedBefore orders never-used accounts first, then by oldest use.
func usedBefore(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	}
	return a.Before(*b)
}
