package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

// JobManagerConfig tunes job retention.
type JobManagerConfig struct {
	// Retention is how long a terminal job stays in memory. Zero keeps jobs forever.
	Retention       time.Duration
	JanitorInterval time.Duration
}

type managedJob struct {
	rec    *JobRecord
	cancel context.CancelFunc
	done   chan struct{}
}

// JobManager admits jobs and runs each one on its own goroutine, detached from the caller.
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[string]*managedJob
	closed bool
	wg     sync.WaitGroup

	pipeline  *Pipeline
	admission *AdmissionGate
	store     JobStore
	cfg       JobManagerConfig
	log       *logger.Logger
	nowFn     func() time.Time
	newID     func() string
}

// NewJobManager creates a manager. admission and store may be nil.
func NewJobManager(pipeline *Pipeline, admission *AdmissionGate, store JobStore, cfg JobManagerConfig, log *logger.Logger) *JobManager {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Minute
	}
	m := &JobManager{
		jobs:      make(map[string]*managedJob),
		pipeline:  pipeline,
		admission: admission,
		store:     store,
		cfg:       cfg,
		log:       log.WithComponent("job_manager"),
		nowFn:     time.Now,
		newID:     uuid.NewString,
	}
	if store != nil && pipeline.checkpoint == nil {
		pipeline.checkpoint = m.checkpoint
	}
	return m
}

// Submit runs admission for owner and starts the job.
// Parameters:
//   - ctx: request context; it is not tied to the job's lifetime.
//   - owner: job owner, used for admission.
//   - spec: what to produce.
// Returns:
//   - domain.Job: the pending job snapshot.
//   - error: *AdmissionError when denied, domain.ErrConflict after Close.
func (m *JobManager) Submit(ctx context.Context, owner string, spec domain.JobSpec) (domain.Job, error) {
	if owner == "" {
		return domain.Job{}, fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	if spec.SceneCount < 0 || spec.DurationSeconds < 0 {
		return domain.Job{}, fmt.Errorf("%w: negative scene count or duration", domain.ErrInvalidInput)
	}
	if m.admission != nil {
		if _, err := m.admission.Admit(ctx, owner, spec); err != nil {
			return domain.Job{}, err
		}
	}

	now := m.nowFn()
	job := domain.Job{
		ID:        m.newID(),
		Owner:     owner,
		Spec:      spec,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return m.start(ctx, job)
}

// Resume starts a new job that keeps the completed stages and their artifacts
// of a failed or cancelled job and runs the remaining stages. It is not charged again.
func (m *JobManager) Resume(ctx context.Context, id string) (domain.Job, error) {
	prev, err := m.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if prev.Status != domain.JobStatusFailed && prev.Status != domain.JobStatusCancelled {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, id, prev.Status)
	}

	now := m.nowFn()
	job := domain.Job{
		ID:          m.newID(),
		Owner:       prev.Owner,
		Spec:        prev.Spec,
		Status:      domain.JobStatusPending,
		ResumedFrom: prev.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	kept := make(map[domain.StageID]bool)
	for _, sp := range prev.Stages {
		if sp.Completed {
			kept[sp.Stage] = true
			job.Stages = append(job.Stages, sp)
		}
	}
	for _, a := range prev.Artifacts {
		if kept[a.Stage] {
			job.Artifacts = append(job.Artifacts, a)
		}
	}
	return m.start(ctx, job)
}

func (m *JobManager) start(ctx context.Context, job domain.Job) (domain.Job, error) {
	rec := NewJobRecord(job)
	runCtx, cancel := context.WithCancel(context.Background())
	mj := &managedJob{rec: rec, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return domain.Job{}, fmt.Errorf("%w: job manager is closed", domain.ErrConflict)
	}
	m.jobs[job.ID] = mj
	m.wg.Add(1)
	m.mu.Unlock()

	snap := rec.Snapshot()
	m.save(ctx, snap)

	log := m.log.WithFields(logger.Fields{logger.FieldJobID: job.ID, logger.FieldOwner: job.Owner})
	if job.ResumedFrom != "" {
		log = log.WithField("resumed_from", job.ResumedFrom)
	}
	log.Info("Job started")

	go func() {
		defer m.wg.Done()
		defer close(mj.done)
		defer cancel()
		jobCtx := logger.SetJobID(log.WithContext(runCtx), job.ID)
		_ = m.pipeline.Run(jobCtx, rec)
	}()

	return snap, nil
}

// Get returns a snapshot of a job, falling back to the store for evicted jobs.
func (m *JobManager) Get(ctx context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	mj, ok := m.jobs[id]
	m.mu.RUnlock()
	if ok {
		return mj.rec.Snapshot(), nil
	}
	if m.store != nil {
		job, err := m.store.GetJob(ctx, id)
		if err == nil {
			return *job, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}
	return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
}

// List returns in-memory jobs of owner (all owners when empty), newest first.
func (m *JobManager) List(owner string) []domain.Job {
	m.mu.RLock()
	out := make([]domain.Job, 0, len(m.jobs))
	for _, mj := range m.jobs {
		snap := mj.rec.Snapshot()
		if owner != "" && snap.Owner != owner {
			continue
		}
		out = append(out, snap)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cooperative cancellation. Cancelling a finished job is a no-op.
func (m *JobManager) Cancel(id string) error {
	m.mu.RLock()
	mj, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	mj.cancel()
	return nil
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (m *JobManager) Wait(ctx context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	mj, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return m.Get(ctx, id)
	}
	select {
	case <-mj.done:
		return mj.rec.Snapshot(), nil
	case <-ctx.Done():
		return mj.rec.Snapshot(), ctx.Err()
	}
}

// RunJanitor evicts expired terminal jobs until ctx is done.
func (m *JobManager) RunJanitor(ctx context.Context) {
	if m.cfg.Retention <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Evict(); n > 0 {
				m.log.WithField(logger.FieldCount, n).Debug("Evicted finished jobs")
			}
		}
	}
}

// Evict drops terminal jobs that completed more than Retention ago and reports how many.
func (m *JobManager) Evict() int {
	if m.cfg.Retention <= 0 {
		return 0
	}
	cutoff := m.nowFn().Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, mj := range m.jobs {
		snap := mj.rec.Snapshot()
		if !snap.Status.IsTerminal() || snap.CompletedAt == nil {
			continue
		}
		if snap.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// Close cancels every running job and waits for them to stop or for ctx to end.
func (m *JobManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, mj := range m.jobs {
		mj.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkpoint persists snapshots taken by the pipeline at stage boundaries.
func (m *JobManager) checkpoint(ctx context.Context, job domain.Job) {
	m.save(ctx, job)
}

func (m *JobManager) save(ctx context.Context, job domain.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveJob(ctx, &job); err != nil {
		m.log.WithError(err).WithField(logger.FieldJobID, job.ID).Warn("Failed to persist job")
	}
}
