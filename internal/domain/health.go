package domain

import "time"

// HealthState is the scheduling state of an account.
// Values include HealthStateUnknown, HealthStateActive, HealthStateCooldown,
// HealthStateRateLimited, HealthStateDisabled, and HealthStateBanned.
type HealthState string

const (
	HealthStateUnknown     HealthState = "unknown"
	HealthStateActive      HealthState = "active"
	HealthStateCooldown    HealthState = "cooldown"
	HealthStateRateLimited HealthState = "rate_limited"
	HealthStateDisabled    HealthState = "disabled"
	HealthStateBanned      HealthState = "banned"
)

// IsTerminal reports whether the state only leaves through an explicit unban.
func (s HealthState) IsTerminal() bool {
	return s == HealthStateBanned || s == HealthStateDisabled
}

// AccountHealth is the mutable usage and availability record of one account.
type AccountHealth struct {
	AccountID           string      `gorm:"type:text;primaryKey" json:"account_id"`
	State               HealthState `gorm:"type:text;default:unknown" json:"state"`
	LastUsed            *time.Time  `json:"last_used,omitempty"`
	DailyPostCount      int         `json:"daily_post_count"`
	DailyLimitResetAt   time.Time   `json:"daily_limit_reset_at"`
	TotalPostCount      int         `json:"total_post_count"`
	SuccessCount        int         `json:"success_count"`
	FailureCount        int         `json:"failure_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	CooldownUntil       *time.Time  `json:"cooldown_until,omitempty"`
	CooldownReason      string      `json:"cooldown_reason,omitempty"`
	RateLimitResetAt    *time.Time  `json:"rate_limit_reset_at,omitempty"`
	BannedAt            *time.Time  `json:"banned_at,omitempty"`
	BanReason           string      `json:"ban_reason,omitempty"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// TableName returns the database table name for AccountHealth.
func (AccountHealth) TableName() string {
	return "account_health"
}

// SuccessRate returns successCount / attempts, or 0 when nothing was attempted yet.
func (h AccountHealth) SuccessRate() float64 {
	attempts := h.SuccessCount + h.FailureCount
	if attempts == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(attempts)
}

// Attempts returns the number of recorded successes and failures.
func (h AccountHealth) Attempts() int {
	return h.SuccessCount + h.FailureCount
}

// AccountHealthReport is a read-only snapshot of one account for observability.
type AccountHealthReport struct {
	AccountID   string        `json:"account_id"`
	AccountName string        `json:"account_name"`
	PoolID      string        `json:"pool_id"`
	Platform    string        `json:"platform"`
	Active      bool          `json:"active"`
	Available   bool          `json:"available"`
	SuccessRate float64       `json:"success_rate"`
	Health      AccountHealth `json:"health"`
}

// NextDailyReset returns the first UTC midnight strictly after t.
func NextDailyReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
