package domain

import "time"

// Subscription is the persisted entitlement of a job owner.
// A zero MaxDurationSeconds or MaxPlatforms means no cap; an empty allow-list allows every platform.
type Subscription struct {
	Owner              string      `gorm:"type:text;primaryKey" json:"owner"`
	Plan               string      `gorm:"type:text" json:"plan"`
	Active             bool        `gorm:"not null" json:"active"`
	ExpiresAt          *time.Time  `json:"expires_at,omitempty"`
	MonthlyQuota       int         `json:"monthly_quota"`
	UsedThisMonth      int         `json:"used_this_month"`
	PeriodStart        time.Time   `json:"period_start"`
	MaxDurationSeconds int         `json:"max_duration_seconds"`
	Platforms          StringArray `gorm:"type:text" json:"platforms"`
	MaxPlatforms       int         `json:"max_platforms"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string {
	return "subscriptions"
}

// MonthlyQuotaRemaining returns how many jobs may still be admitted this month.
func (s Subscription) MonthlyQuotaRemaining() int {
	return s.MonthlyQuota - s.UsedThisMonth
}

// MaxDuration returns the per-job duration cap, or 0 for no cap.
func (s Subscription) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSeconds) * time.Second
}

// AllowedPlatforms returns the platform allow-list.
func (s Subscription) AllowedPlatforms() []string {
	return append([]string(nil), s.Platforms...)
}

// PlatformCap returns the maximum number of publish targets per job, or 0 for no cap.
func (s Subscription) PlatformCap() int {
	return s.MaxPlatforms
}

// IsActive reports whether the subscription is switched on and not yet expired at now.
func (s Subscription) IsActive(now time.Time) bool {
	if !s.Active {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}
