package service

import (
	"context"

	"github.com/timmy/reelpilot/internal/domain"
)

// AccountStore persists registry and health changes. Implemented by repository.AccountRepository.
type AccountStore interface {
	SavePool(ctx context.Context, pool *domain.Pool) error
	DeletePool(ctx context.Context, poolID string) error
	SaveAccount(ctx context.Context, acc *domain.Account) error
	DeleteAccount(ctx context.Context, accountID string) error
	SaveHealth(ctx context.Context, h *domain.AccountHealth) error
	LoadAll(ctx context.Context) ([]domain.Pool, []domain.AccountHealth, error)
}

// JobStore persists job snapshots. Implemented by repository.JobRepository.
type JobStore interface {
	SaveJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, owner string, limit int) ([]domain.Job, error)
}

// EntitlementProvider resolves and charges job-owner entitlements.
// Consume must refuse with domain.ErrQuotaExhausted instead of charging past the quota.
// Implemented by repository.SubscriptionRepository.
type EntitlementProvider interface {
	GetByOwner(ctx context.Context, owner string) (*domain.Subscription, error)
	Consume(ctx context.Context, owner string) error
}
