package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

// HealthPolicy holds the failure backoff rules.
type HealthPolicy struct {
	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

// DefaultHealthPolicy cools an account down for 60 minutes after 3 consecutive
// failures, doubling per further failure up to 24 hours.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailureThreshold: 3,
		BaseCooldown:     60 * time.Minute,
		MaxCooldown:      1440 * time.Minute,
	}
}

func (p HealthPolicy) withDefaults() HealthPolicy {
	def := DefaultHealthPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.BaseCooldown <= 0 {
		p.BaseCooldown = def.BaseCooldown
	}
	if p.MaxCooldown <= 0 {
		p.MaxCooldown = def.MaxCooldown
	}
	return p
}

// CooldownFor returns the cooldown after consecutive failures, or 0 below the threshold.
// The result is min(base * 2^(consecutive-threshold), max).
func (p HealthPolicy) CooldownFor(consecutive int) time.Duration {
	p = p.withDefaults()
	if consecutive < p.FailureThreshold {
		return 0
	}
	exp := consecutive - p.FailureThreshold
	if exp > 30 {
		return p.MaxCooldown
	}
	d := p.BaseCooldown << uint(exp)
	if d <= 0 || d > p.MaxCooldown {
		return p.MaxCooldown
	}
	return d
}

// HealthTracker answers whether an account is usable and records what happened after each use.
type HealthTracker struct {
	reg    *AccountRegistry
	policy HealthPolicy
	log    *logger.Logger
	nowFn  func() time.Time
}

// NewHealthTracker creates a tracker over the registry's accounts.
func NewHealthTracker(reg *AccountRegistry, policy HealthPolicy, log *logger.Logger) *HealthTracker {
	if log == nil {
		log = logger.Discard()
	}
	return &HealthTracker{
		reg:    reg,
		policy: policy.withDefaults(),
		log:    log.WithComponent("account_health"),
		nowFn:  time.Now,
	}
}

// Policy returns the active backoff policy.
func (t *HealthTracker) Policy() HealthPolicy {
	return t.policy
}

// IsAvailable reports whether the account may be used right now.
// Unknown accounts are never available. The daily counter is rolled lazily here
// and expired cooldowns or rate limits return the account to the active state.
func (t *HealthTracker) IsAvailable(accountID string) bool {
	e, err := t.reg.entry(accountID)
	if err != nil {
		return false
	}
	now := t.nowFn()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	changed := refreshLocked(&e.health, now)
	ok := available(e.account, e.health, now)
	snap := copyHealth(e.health)
	e.mu.Unlock()

	if changed {
		t.persist(context.Background(), &snap)
	}
	return ok
}

// RecordUsage records the outcome of one outbound action.
// Parameters:
//   - ctx: context for the best-effort store write.
//   - accountID: account that was used.
//   - success: whether the action succeeded.
//   - errText: failure detail, stored as the last error.
// Returns:
//   - error: domain.ErrNotFound for an unknown account.
func (t *HealthTracker) RecordUsage(ctx context.Context, accountID string, success bool, errText string) error {
	snap, err := t.update(ctx, accountID, func(e *accountEntry, now time.Time) {
		h := &e.health
		refreshLocked(h, now)

		used := now
		h.LastUsed = &used
		h.TotalPostCount++

		if success {
			h.DailyPostCount++
			h.SuccessCount++
			h.ConsecutiveFailures = 0
			if !h.State.IsTerminal() {
				h.State = domain.HealthStateActive
				h.CooldownUntil = nil
				h.CooldownReason = ""
			}
			return
		}

		h.FailureCount++
		h.ConsecutiveFailures++
		h.LastError = errText
		if h.State.IsTerminal() {
			return
		}
		if d := t.policy.CooldownFor(h.ConsecutiveFailures); d > 0 {
			until := now.Add(d)
			h.State = domain.HealthStateCooldown
			h.CooldownUntil = &until
			h.CooldownReason = fmt.Sprintf("%d consecutive failures", h.ConsecutiveFailures)
		} else if h.State == domain.HealthStateUnknown {
			h.State = domain.HealthStateActive
		}
	})
	if err != nil {
		return err
	}

	if snap.State == domain.HealthStateCooldown && !success {
		t.log.WithFields(logger.Fields{
			logger.FieldAccountID: accountID,
			"consecutive":         snap.ConsecutiveFailures,
			"cooldown_until":      snap.CooldownUntil,
		}).Warn("Account cooling down")
	}
	return nil
}

// SetRateLimit marks the account rate limited until resetAt.
func (t *HealthTracker) SetRateLimit(ctx context.Context, accountID string, resetAt time.Time, errText string) error {
	_, err := t.update(ctx, accountID, func(e *accountEntry, _ time.Time) {
		h := &e.health
		if errText != "" {
			h.LastError = errText
		}
		if h.State.IsTerminal() {
			return
		}
		reset := resetAt
		h.State = domain.HealthStateRateLimited
		h.RateLimitResetAt = &reset
	})
	if err == nil {
		t.log.WithFields(logger.Fields{logger.FieldAccountID: accountID, "reset_at": resetAt}).Warn("Account rate limited")
	}
	return err
}

// MarkBanned moves the account to the banned state and deactivates it.
func (t *HealthTracker) MarkBanned(ctx context.Context, accountID, reason string) error {
	return t.terminate(ctx, accountID, domain.HealthStateBanned, reason)
}

// Disable takes the account out of rotation until it is explicitly restored with Unban.
func (t *HealthTracker) Disable(ctx context.Context, accountID, reason string) error {
	return t.terminate(ctx, accountID, domain.HealthStateDisabled, reason)
}

// Unban returns a banned or disabled account to the active state and reactivates it.
func (t *HealthTracker) Unban(ctx context.Context, accountID string) error {
	_, err := t.updateWithAccount(ctx, accountID, func(e *accountEntry, now time.Time) {
		h := &e.health
		h.State = domain.HealthStateActive
		h.BannedAt = nil
		h.BanReason = ""
		h.ConsecutiveFailures = 0
		h.CooldownUntil = nil
		h.CooldownReason = ""
		h.RateLimitResetAt = nil
		e.account.Active = true
		e.account.UpdatedAt = now
	})
	if err == nil {
		t.log.WithField(logger.FieldAccountID, accountID).Info("Account restored")
	}
	return err
}

func (t *HealthTracker) terminate(ctx context.Context, accountID string, state domain.HealthState, reason string) error {
	_, err := t.updateWithAccount(ctx, accountID, func(e *accountEntry, now time.Time) {
		h := &e.health
		h.State = state
		h.BanReason = reason
		if state == domain.HealthStateBanned {
			at := now
			h.BannedAt = &at
		}
		e.account.Active = false
		e.account.UpdatedAt = now
	})
	if err == nil {
		t.log.WithFields(logger.Fields{
			logger.FieldAccountID: accountID,
			"state":               string(state),
			"reason":              reason,
		}).Warn("Account taken out of rotation")
	}
	return err
}

// HealthReport returns a snapshot of every account, or only those of platform.
func (t *HealthTracker) HealthReport(platform string) []domain.AccountHealthReport {
	now := t.nowFn()
	var out []domain.AccountHealthReport
	for _, v := range t.reg.views(platform, false) {
		for _, e := range v.entries {
			e.mu.Lock()
			if e.removed {
				e.mu.Unlock()
				continue
			}
			h := effectiveHealth(e.health, now)
			out = append(out, domain.AccountHealthReport{
				AccountID:   e.account.ID,
				AccountName: e.account.Name,
				PoolID:      v.pool.ID,
				Platform:    v.pool.Platform,
				Active:      e.account.Active,
				Available:   e.account.Active && available(e.account, h, now),
				SuccessRate: h.SuccessRate(),
				Health:      h,
			})
			e.mu.Unlock()
		}
	}
	return out
}

func (t *HealthTracker) update(ctx context.Context, accountID string, fn func(e *accountEntry, now time.Time)) (domain.AccountHealth, error) {
	e, err := t.reg.entry(accountID)
	if err != nil {
		return domain.AccountHealth{}, err
	}
	now := t.nowFn()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return domain.AccountHealth{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	fn(e, now)
	e.health.UpdatedAt = now
	snap := copyHealth(e.health)
	e.mu.Unlock()

	t.persist(ctx, &snap)
	return snap, nil
}

// updateWithAccount also persists the account row, for transitions that flip the active flag.
func (t *HealthTracker) updateWithAccount(ctx context.Context, accountID string, fn func(e *accountEntry, now time.Time)) (domain.AccountHealth, error) {
	var acc domain.Account
	snap, err := t.update(ctx, accountID, func(e *accountEntry, now time.Time) {
		fn(e, now)
		acc = copyAccount(e.account)
	})
	if err != nil {
		return snap, err
	}
	if store := t.reg.store; store != nil {
		if err := store.SaveAccount(ctx, &acc); err != nil {
			t.log.WithError(err).WithField(logger.FieldAccountID, accountID).Warn("Failed to persist account")
		}
	}
	return snap, nil
}

// persist writes a health snapshot through to the store. Failures are logged, not returned.
func (t *HealthTracker) persist(ctx context.Context, h *domain.AccountHealth) {
	store := t.reg.store
	if store == nil {
		return
	}
	if err := store.SaveHealth(ctx, h); err != nil {
		t.log.WithError(err).WithField(logger.FieldAccountID, h.AccountID).Warn("Failed to persist health")
	}
}

// refreshLocked rolls the daily counter and clears expired timers. It reports whether h changed.
func refreshLocked(h *domain.AccountHealth, now time.Time) bool {
	changed := false
	if h.DailyLimitResetAt.IsZero() || !now.Before(h.DailyLimitResetAt) {
		h.DailyPostCount = 0
		h.DailyLimitResetAt = domain.NextDailyReset(now)
		changed = true
	}
	switch h.State {
	case domain.HealthStateCooldown:
		if h.CooldownUntil == nil || !now.Before(*h.CooldownUntil) {
			h.State = domain.HealthStateActive
			h.CooldownUntil = nil
			h.CooldownReason = ""
			changed = true
		}
	case domain.HealthStateRateLimited:
		if h.RateLimitResetAt == nil || !now.Before(*h.RateLimitResetAt) {
			h.State = domain.HealthStateActive
			h.RateLimitResetAt = nil
			changed = true
		}
	}
	return changed
}

// effectiveHealth returns what refreshLocked would produce, without touching the stored record.
func effectiveHealth(h domain.AccountHealth, now time.Time) domain.AccountHealth {
	c := copyHealth(h)
	refreshLocked(&c, now)
	return c
}

// available evaluates the availability rules on a refreshed health record.
// The account's active flag is checked by callers that schedule.
func available(acc domain.Account, h domain.AccountHealth, now time.Time) bool {
	switch h.State {
	case domain.HealthStateBanned, domain.HealthStateDisabled:
		return false
	case domain.HealthStateCooldown:
		if h.CooldownUntil != nil && now.Before(*h.CooldownUntil) {
			return false
		}
	case domain.HealthStateRateLimited:
		if h.RateLimitResetAt != nil && now.Before(*h.RateLimitResetAt) {
			return false
		}
	}
	if acc.DailyPostLimit > 0 && h.DailyPostCount >= acc.DailyPostLimit {
		return false
	}
	if acc.MinPostInterval > 0 && h.LastUsed != nil && now.Before(h.LastUsed.Add(acc.MinPostInterval)) {
		return false
	}
	return true
}
