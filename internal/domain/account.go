package domain

import "time"

// Platform constants for the supported publishing targets.
const (
	PlatformYouTube   = "youtube"
	PlatformTikTok    = "tiktok"
	PlatformInstagram = "instagram"
	PlatformTwitter   = "twitter"
	PlatformFacebook  = "facebook"
)

// Pool is a named group of accounts that all publish to one platform.
type Pool struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	Platform  string    `gorm:"type:text;not null;index:idx_pools_platform" json:"platform"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	Accounts  []Account `gorm:"-" json:"accounts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Pool.
func (Pool) TableName() string {
	return "pools"
}

// Account is one credential entry inside a pool.
// Credential is opaque: nothing in the scheduling core looks inside it.
type Account struct {
	ID              string        `gorm:"type:text;primaryKey" json:"id"`
	PoolID          string        `gorm:"type:text;not null;index:idx_accounts_pool" json:"pool_id"`
	Name            string        `gorm:"type:text;not null" json:"name"`
	Credential      []byte        `json:"-"`
	Priority        int           `gorm:"default:0" json:"priority"`
	DailyPostLimit  int           `gorm:"default:0" json:"daily_post_limit"`
	MinPostInterval time.Duration `gorm:"default:0" json:"min_post_interval"`
	Active          bool          `gorm:"not null" json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string {
	return "accounts"
}

// AccountPatch carries optional account field updates. Nil fields are left untouched.
type AccountPatch struct {
	Name            *string        `json:"name,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
	DailyPostLimit  *int           `json:"daily_post_limit,omitempty"`
	MinPostInterval *time.Duration `json:"min_post_interval,omitempty"`
}

// Apply copies every non-nil field of the patch onto acc.
func (p AccountPatch) Apply(acc *Account) {
	if p.Name != nil {
		acc.Name = *p.Name
	}
	if p.Priority != nil {
		acc.Priority = *p.Priority
	}
	if p.DailyPostLimit != nil {
		acc.DailyPostLimit = *p.DailyPostLimit
	}
	if p.MinPostInterval != nil {
		acc.MinPostInterval = *p.MinPostInterval
	}
}
