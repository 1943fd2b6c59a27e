package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/events"
	"github.com/timmy/reelpilot/internal/service"
)

// JobHandler serves content jobs.
type JobHandler struct {
	jobs      *service.JobManager
	admission *service.AdmissionGate
	bus       *events.Bus
}

// NewJobHandler creates a new job handler. admission may be nil when every owner is admitted.
func NewJobHandler(jobs *service.JobManager, admission *service.AdmissionGate, bus *events.Bus) *JobHandler {
	return &JobHandler{jobs: jobs, admission: admission, bus: bus}
}

// JobRequest is the body of POST /api/v1/jobs and POST /api/v1/admission/check.
type JobRequest struct {
	Owner           string                 `json:"owner" binding:"required"`
	Title           string                 `json:"title"`
	Topic           string                 `json:"topic" binding:"required"`
	Language        string                 `json:"language"`
	DurationSeconds int                    `json:"duration_seconds" binding:"min=0"`
	SceneCount      int                    `json:"scene_count" binding:"min=0"`
	Voice           string                 `json:"voice"`
	Targets         []domain.PublishTarget `json:"targets"`
}

func (r JobRequest) spec() domain.JobSpec {
	return domain.JobSpec{
		Title:           r.Title,
		Topic:           r.Topic,
		Language:        r.Language,
		DurationSeconds: r.DurationSeconds,
		SceneCount:      r.SceneCount,
		Voice:           r.Voice,
		Targets:         r.Targets,
	}
}

// Submit handles POST /api/v1/jobs.
func (h *JobHandler) Submit(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := h.jobs.Submit(c.Request.Context(), req.Owner, req.spec())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// CheckAdmission handles POST /api/v1/admission/check. Nothing is charged.
func (h *JobHandler) CheckAdmission(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if h.admission == nil {
		c.JSON(http.StatusOK, service.Decision{CanCreate: true})
		return
	}
	decision, err := h.admission.Check(c.Request.Context(), req.Owner, req.spec())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// List handles GET /api/v1/jobs?owner=.
func (h *JobHandler) List(c *gin.Context) {
	jobs := h.jobs.List(c.Query("owner"))
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.Cancel(id); err != nil {
		respondError(c, err)
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// Resume handles POST /api/v1/jobs/:id/resume.
func (h *JobHandler) Resume(c *gin.Context) {
	job, err := h.jobs.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// Events handles GET /api/v1/jobs/:id/events as a server-sent event stream.
// The first event is a snapshot; the stream ends after the terminal status event.
func (h *JobHandler) Events(c *gin.Context) {
	id := c.Param("id")
	// subscribe first so nothing between snapshot and stream is lost
	sub := h.bus.Subscribe(events.ForJob(id))
	defer sub.Close()

	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", job)
	c.Writer.Flush()
	if job.Status.IsTerminal() {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent(string(ev.Type), ev)
			c.Writer.Flush()
			if ev.Type == events.TypeJobStatus && ev.Status.IsTerminal() {
				return
			}
		}
	}
}
