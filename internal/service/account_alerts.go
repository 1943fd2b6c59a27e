package service

import (
	"fmt"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
)

// Alert thresholds.
const (
	alertMinAttempts       = 10
	alertMinSuccessRate    = 0.5
	alertDailyUsagePercent = 90
	alertLongCooldown      = time.Hour
)

// CheckHealth derives alerts from the current health of every account.
// It reads state only; nothing is rolled, cleared or persisted.
func (t *HealthTracker) CheckHealth() []domain.Alert {
	now := t.nowFn()
	var alerts []domain.Alert

	for _, v := range t.reg.views("", false) {
		availableCount := 0
		for _, e := range v.entries {
			e.mu.Lock()
			if e.removed {
				e.mu.Unlock()
				continue
			}
			acc := e.account
			h := effectiveHealth(e.health, now)
			e.mu.Unlock()

			if acc.Active && available(acc, h, now) {
				availableCount++
			}
			alerts = append(alerts, accountAlerts(v.pool, acc, h, now)...)
		}

		if v.pool.Enabled && len(v.entries) > 1 && availableCount <= 1 {
			severity := domain.SeverityWarning
			if availableCount == 0 {
				severity = domain.SeverityCritical
			}
			alerts = append(alerts, domain.Alert{
				Kind:      domain.AlertLowAvailableAccounts,
				Severity:  severity,
				PoolID:    v.pool.ID,
				Platform:  v.pool.Platform,
				Message:   fmt.Sprintf("pool %q has %d of %d accounts available", v.pool.Name, availableCount, len(v.entries)),
				CreatedAt: now,
			})
		}
	}
	return alerts
}

func accountAlerts(pool domain.Pool, acc domain.Account, h domain.AccountHealth, now time.Time) []domain.Alert {
	var out []domain.Alert
	add := func(kind domain.AlertKind, severity domain.AlertSeverity, format string, args ...interface{}) {
		out = append(out, domain.Alert{
			Kind:      kind,
			Severity:  severity,
			AccountID: acc.ID,
			PoolID:    pool.ID,
			Platform:  pool.Platform,
			Message:   fmt.Sprintf(format, args...),
			CreatedAt: now,
		})
	}

	if h.State == domain.HealthStateBanned {
		add(domain.AlertBanned, domain.SeverityCritical, "account %q is banned: %s", acc.Name, h.BanReason)
	}
	if h.Attempts() >= alertMinAttempts && h.SuccessRate() < alertMinSuccessRate {
		add(domain.AlertHighFailureRate, domain.SeverityWarning,
			"account %q success rate is %.0f%% over %d attempts", acc.Name, h.SuccessRate()*100, h.Attempts())
	}
	if acc.DailyPostLimit > 0 && h.DailyPostCount*100 >= acc.DailyPostLimit*alertDailyUsagePercent {
		add(domain.AlertDailyLimitApproaching, domain.SeverityInfo,
			"account %q used %d of %d daily posts", acc.Name, h.DailyPostCount, acc.DailyPostLimit)
	}
	if h.State == domain.HealthStateCooldown && h.CooldownUntil != nil {
		if remaining := h.CooldownUntil.Sub(now); remaining > alertLongCooldown {
			add(domain.AlertLongCooldown, domain.SeverityWarning,
				"account %q cools down for another %s", acc.Name, remaining.Round(time.Minute))
		}
	}
	return out
}
