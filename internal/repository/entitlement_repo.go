package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/reelpilot/internal/domain"
)

// SubscriptionRepository stores job-owner entitlements.
type SubscriptionRepository struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, nowFn: time.Now}
}

// Upsert creates or replaces the subscription of sub.Owner.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *domain.Subscription) error {
	if sub.PeriodStart.IsZero() {
		sub.PeriodStart = monthStart(r.nowFn())
	}
	return r.db.WithContext(ctx).Save(sub).Error
}

// GetByOwner loads the subscription of owner, rolling the monthly counter
// when a new calendar month (UTC) has started.
func (r *SubscriptionRepository) GetByOwner(ctx context.Context, owner string) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := r.db.WithContext(ctx).First(&sub, "owner = ?", owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if start := monthStart(r.nowFn()); sub.PeriodStart.Before(start) {
		sub.PeriodStart = start
		sub.UsedThisMonth = 0
		if err := r.db.WithContext(ctx).Model(&sub).
			Updates(map[string]interface{}{"period_start": start, "used_this_month": 0}).Error; err != nil {
			return nil, err
		}
	}
	return &sub, nil
}

// Consume counts one admitted job against the owner's monthly quota.
// The charge only lands while quota remains, so concurrent admissions cannot overdraw it.
// Returns domain.ErrQuotaExhausted when nothing is left and domain.ErrNotFound for an unknown owner.
func (r *SubscriptionRepository) Consume(ctx context.Context, owner string) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&domain.Subscription{}).
		Where("owner = ? AND used_this_month < monthly_quota", owner).
		UpdateColumn("used_this_month", gorm.Expr("used_this_month + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := db.Model(&domain.Subscription{}).Where("owner = ?", owner).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrQuotaExhausted
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
