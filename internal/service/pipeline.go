package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/events"
	"github.com/timmy/reelpilot/internal/logger"
)

// StageAction is the work of one stage. It returns nil on success; any other
// return fails the job unless the job's context was cancelled.
type StageAction func(ctx context.Context, sc *StageContext) error

// Stage binds an action to a stage identifier.
type Stage struct {
	ID     domain.StageID
	Action StageAction
}

// JobRecord is the authoritative, concurrently readable state of one job.
type JobRecord struct {
	mu  sync.RWMutex
	job domain.Job
}

func NewJobRecord(job domain.Job) *JobRecord {
	return &JobRecord{job: job.Clone()}
}

// Snapshot returns a deep copy of the job.
func (r *JobRecord) Snapshot() domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.Clone()
}

// ID returns the job id.
func (r *JobRecord) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job.ID
}

func (r *JobRecord) update(fn func(j *domain.Job)) domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.job)
	return r.job.Clone()
}

// StageContext is what a running stage sees of its job.
type StageContext struct {
	stage domain.StageID
	rec   *JobRecord
	p     *Pipeline
	log   *logger.Logger
}

// Stage returns the running stage.
func (sc *StageContext) Stage() domain.StageID { return sc.stage }

// JobID returns the id of the job being driven.
func (sc *StageContext) JobID() string { return sc.rec.ID() }

// Spec returns the job spec.
func (sc *StageContext) Spec() domain.JobSpec {
	return sc.rec.Snapshot().Spec
}

// Logger returns a logger tagged with the job and stage.
func (sc *StageContext) Logger() *logger.Logger { return sc.log }

// Artifacts returns the artifacts of kind accumulated so far by any stage.
func (sc *StageContext) Artifacts(kind string) []domain.Artifact {
	return sc.rec.Snapshot().Artifacts.OfKind(kind)
}

// AddArtifact records an output of the running stage.
func (sc *StageContext) AddArtifact(a domain.Artifact) {
	a.Stage = sc.stage
	sc.rec.update(func(j *domain.Job) {
		j.Artifacts = append(j.Artifacts, a)
		j.UpdatedAt = sc.p.nowFn()
	})
}

// Report sets the stage percentage (clamped to 0..100) and message, and raises a progress event.
func (sc *StageContext) Report(percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	sc.rec.update(func(j *domain.Job) {
		if sp, ok := j.Stage(sc.stage); ok {
			sp.Percent = percent
			sp.Message = message
		}
		j.UpdatedAt = sc.p.nowFn()
	})
	sc.p.publish(events.Event{
		Type:    events.TypeJobProgress,
		JobID:   sc.rec.ID(),
		Stage:   sc.stage.String(),
		Percent: percent,
		Message: message,
	})
}

// Log appends a line to the stage log.
func (sc *StageContext) Log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	sc.appendLog(line)
	sc.log.Debug(line)
}

// Warn appends a warning line to the stage log. Used for tolerated item failures.
func (sc *StageContext) Warn(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	sc.appendLog("WARN " + line)
	sc.log.Warn(line)
}

func (sc *StageContext) appendLog(line string) {
	sc.rec.update(func(j *domain.Job) {
		if sp, ok := j.Stage(sc.stage); ok {
			sp.Logs = append(sp.Logs, line)
		}
		j.UpdatedAt = sc.p.nowFn()
	})
}

// Pipeline drives an ordered list of stages against a job record.
type Pipeline struct {
	stages       []Stage
	bus          events.Publisher
	log          *logger.Logger
	stageTimeout time.Duration
	checkpoint   func(ctx context.Context, job domain.Job)
	nowFn        func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPublisher sends progress and status events to pub.
func WithPublisher(pub events.Publisher) PipelineOption {
	return func(p *Pipeline) { p.bus = pub }
}

// WithPipelineLogger sets the engine logger.
func WithPipelineLogger(log *logger.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithStageTimeout bounds each stage. A stage that runs out of time fails the job.
func WithStageTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.stageTimeout = d }
}

// WithCheckpoint calls fn with a snapshot after every completed stage and at the terminal status.
func WithCheckpoint(fn func(ctx context.Context, job domain.Job)) PipelineOption {
	return func(p *Pipeline) { p.checkpoint = fn }
}

// NewPipeline validates that stages are known, unique and in pipeline order.
func NewPipeline(stages []Stage, opts ...PipelineOption) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline needs at least one stage", domain.ErrInvalidInput)
	}
	var prev domain.StageID
	for _, st := range stages {
		if !st.ID.Valid() {
			return nil, fmt.Errorf("%w: unknown stage %d", domain.ErrInvalidInput, int(st.ID))
		}
		if st.ID <= prev {
			return nil, fmt.Errorf("%w: stage %s out of order", domain.ErrInvalidInput, st.ID)
		}
		if st.Action == nil {
			return nil, fmt.Errorf("%w: stage %s has no action", domain.ErrInvalidInput, st.ID)
		}
		prev = st.ID
	}

	p := &Pipeline{
		stages: append([]Stage(nil), stages...),
		log:    logger.Discard(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("pipeline")
	return p, nil
}

// Stages returns the stage identifiers in execution order.
func (p *Pipeline) Stages() []domain.StageID {
	ids := make([]domain.StageID, len(p.stages))
	for i, st := range p.stages {
		ids[i] = st.ID
	}
	return ids
}

// Run executes every stage not yet completed on rec.
// Parameters:
//   - ctx: cancellation signal for this job only.
//   - rec: the job record; stages already marked completed are skipped.
// Returns:
//   - error: nil when completed, ctx.Err() when cancelled, *domain.StageError when a stage failed.
func (p *Pipeline) Run(ctx context.Context, rec *JobRecord) error {
	jobID := rec.ID()
	log := p.log.WithField(logger.FieldJobID, jobID)
	start := p.nowFn()

	rec.update(func(j *domain.Job) {
		if j.StartedAt == nil {
			t := start
			j.StartedAt = &t
		}
		for _, st := range p.stages {
			if _, ok := j.Stage(st.ID); !ok {
				j.Stages = append(j.Stages, domain.StageProgress{Stage: st.ID})
			}
		}
		j.Error = ""
		j.UpdatedAt = start
	})

	for _, st := range p.stages {
		if ctx.Err() != nil {
			return p.finish(ctx, rec, log, domain.JobStatusCancelled, nil)
		}

		snap := rec.Snapshot()
		if sp, ok := snap.Stage(st.ID); ok && sp.Completed {
			continue
		}

		rec.update(func(j *domain.Job) {
			j.Status = st.ID.Status()
			if sp, ok := j.Stage(st.ID); ok {
				sp.Percent = 0
				sp.Message = "started"
				sp.Logs = append(sp.Logs, "stage started")
			}
			j.UpdatedAt = p.nowFn()
		})
		p.publish(events.Event{Type: events.TypeJobStatus, JobID: jobID, Stage: st.ID.String(), Status: st.ID.Status()})
		p.publish(events.Event{Type: events.TypeJobProgress, JobID: jobID, Stage: st.ID.String(), Percent: 0, Message: "started"})

		stageCtx := logger.SetStage(log.WithContext(ctx), st.ID.String())
		sc := &StageContext{stage: st.ID, rec: rec, p: p, log: logger.FromContext(stageCtx)}
		stageStart := p.nowFn()

		err := p.runStage(stageCtx, st, sc)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				sc.appendLog("stage cancelled")
				return p.finish(ctx, rec, log, domain.JobStatusCancelled, nil)
			}
			sc.appendLog("ERROR " + err.Error())
			return p.finish(ctx, rec, log, domain.JobStatusFailed, &domain.StageError{Stage: st.ID, Err: err})
		}

		done := p.completeStage(rec, st.ID)
		logger.With(logger.Fields{logger.FieldDurationMs: p.nowFn().Sub(stageStart).Milliseconds()}).
			Info(stageCtx, "Stage completed")
		p.publish(events.Event{Type: events.TypeJobProgress, JobID: jobID, Stage: st.ID.String(), Percent: 100, Message: "completed"})
		if p.checkpoint != nil {
			p.checkpoint(ctx, done)
		}
	}

	return p.finish(ctx, rec, log, domain.JobStatusCompleted, nil)
}

func (p *Pipeline) runStage(ctx context.Context, st Stage, sc *StageContext) (err error) {
	stageCtx := ctx
	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			sc.log.WithField("stack", string(debug.Stack())).Errorf("Stage panicked: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Action(stageCtx, sc)
}

func (p *Pipeline) completeStage(rec *JobRecord, id domain.StageID) domain.Job {
	return rec.update(func(j *domain.Job) {
		completed := 0
		for i := range j.Stages {
			sp := &j.Stages[i]
			if sp.Stage == id {
				sp.Percent = 100
				sp.Completed = true
				sp.Message = "completed"
				sp.Logs = append(sp.Logs, "stage completed")
			}
			if sp.Completed {
				completed++
			}
		}
		if len(j.Stages) > 0 {
			j.Progress = completed * 100 / len(j.Stages)
		}
		j.UpdatedAt = p.nowFn()
	})
}

func (p *Pipeline) finish(ctx context.Context, rec *JobRecord, log *logger.Logger, status domain.JobStatus, stageErr *domain.StageError) error {
	now := p.nowFn()
	final := rec.update(func(j *domain.Job) {
		j.Status = status
		if status == domain.JobStatusCompleted {
			j.Progress = 100
		}
		if stageErr != nil {
			j.Error = stageErr.Error()
		}
		t := now
		j.CompletedAt = &t
		j.UpdatedAt = now
	})

	p.publish(events.Event{Type: events.TypeJobStatus, JobID: final.ID, Status: status, Error: final.Error})
	if p.checkpoint != nil {
		p.checkpoint(context.WithoutCancel(ctx), final)
	}

	entry := logger.With(logger.Fields{"progress": final.Progress}).WithStatus(string(status))
	if final.StartedAt != nil {
		entry = entry.WithDuration(now.Sub(*final.StartedAt))
	}
	logCtx := log.WithContext(ctx)
	switch status {
	case domain.JobStatusCompleted:
		entry.Info(logCtx, "Job completed")
		return nil
	case domain.JobStatusCancelled:
		entry.Info(logCtx, "Job cancelled")
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	default:
		entry.Error(logCtx, "Job failed: %v", stageErr)
		return stageErr
	}
}

func (p *Pipeline) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
