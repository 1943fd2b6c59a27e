package domain

import "time"

// AlertKind identifies the condition that raised an account alert.
type AlertKind string

const (
	AlertHighFailureRate       AlertKind = "high_failure_rate"
	AlertBanned                AlertKind = "banned"
	AlertDailyLimitApproaching AlertKind = "daily_limit_approaching"
	AlertLongCooldown          AlertKind = "long_cooldown"
	AlertLowAvailableAccounts  AlertKind = "low_available_accounts"
)

// AlertSeverity ranks alerts for monitoring layers.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one derived health observation. AccountID is empty for pool-level alerts.
type Alert struct {
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	AccountID string        `json:"account_id,omitempty"`
	PoolID    string        `json:"pool_id,omitempty"`
	Platform  string        `json:"platform,omitempty"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}
