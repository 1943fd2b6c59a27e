package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/timmy/reelpilot/internal/domain"
)

// JobRepository persists job snapshots.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// SaveJob inserts or replaces a job snapshot.
func (r *JobRepository) SaveJob(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// GetJob loads a job snapshot by id.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: the stored snapshot.
//   - error: domain.ErrNotFound when no row matches.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs returns snapshots for owner, newest first. An empty owner lists everything.
func (r *JobRepository) ListJobs(ctx context.Context, owner string, limit int) ([]domain.Job, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobs []domain.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
