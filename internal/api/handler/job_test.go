package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/events"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/service"
)

type subscriptions map[string]*domain.Subscription

func (s subscriptions) GetByOwner(_ context.Context, owner string) (*domain.Subscription, error) {
	sub, ok := s[owner]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s subscriptions) Consume(_ context.Context, owner string) error {
	sub := s[owner]
	if sub.UsedThisMonth >= sub.MonthlyQuota {
		return domain.ErrQuotaExhausted
	}
	sub.UsedThisMonth++
	return nil
}

type jobsFixture struct {
	jobs    *service.JobManager
	bus     *events.Bus
	router  *gin.Engine
	release func()
}

// newJobsFixture runs a two-stage pipeline whose first stage blocks until release is called.
func newJobsFixture(t *testing.T, gate *service.AdmissionGate) *jobsFixture {
	t.Helper()
	bus := events.NewBus(64)
	gateCh := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gateCh) }) }

	stages := []service.Stage{
		{ID: domain.StageScript, Action: func(ctx context.Context, sc *service.StageContext) error {
			select {
			case <-gateCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{ID: domain.StageImages, Action: func(ctx context.Context, sc *service.StageContext) error {
			sc.Report(50, "half")
			return nil
		}},
	}
	p, err := service.NewPipeline(stages, service.WithPublisher(bus), service.WithPipelineLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	jobs := service.NewJobManager(p, gate, nil, service.JobManagerConfig{}, logger.Discard())

	h := NewJobHandler(jobs, gate, bus)
	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/jobs", h.Submit)
	v1.GET("/jobs", h.List)
	v1.GET("/jobs/:id", h.Get)
	v1.POST("/jobs/:id/cancel", h.Cancel)
	v1.POST("/jobs/:id/resume", h.Resume)
	v1.GET("/jobs/:id/events", h.Events)
	v1.POST("/admission/check", h.CheckAdmission)

	t.Cleanup(func() {
		release()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Close(ctx)
		bus.Close()
	})
	return &jobsFixture{jobs: jobs, bus: bus, router: r, release: release}
}

func (f *jobsFixture) wait(t *testing.T, id string) domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := f.jobs.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return job
}

func TestJobEndpoints(t *testing.T) {
	f := newJobsFixture(t, nil)

	if w := doJSON(t, f.router, http.MethodPost, "/api/v1/jobs", `{"owner":"ann"}`); w.Code != http.StatusBadRequest {
		t.Errorf("submit without topic: %d", w.Code)
	}
	if w := doJSON(t, f.router, http.MethodPost, "/api/v1/jobs", `{"owner":"ann","topic":"x","scene_count":-1}`); w.Code != http.StatusBadRequest {
		t.Errorf("submit with negative scenes: %d", w.Code)
	}

	w := doJSON(t, f.router, http.MethodPost, "/api/v1/jobs", JobRequest{Owner: "ann", Topic: "tides", SceneCount: 3})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	job := decode[domain.Job](t, w)
	if job.Owner != "ann" || job.Spec.Topic != "tides" || job.Status != domain.JobStatusPending {
		t.Errorf("job = %+v", job)
	}

	w = doJSON(t, f.router, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	if w.Code != http.StatusOK || decode[domain.Job](t, w).ID != job.ID {
		t.Errorf("get: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, f.router, http.MethodGet, "/api/v1/jobs/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing: %d", w.Code)
	}

	type jobList struct {
		Jobs  []domain.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	if got := decode[jobList](t, doJSON(t, f.router, http.MethodGet, "/api/v1/jobs?owner=ann", nil)); got.Total != 1 {
		t.Errorf("list ann = %+v", got)
	}
	if got := decode[jobList](t, doJSON(t, f.router, http.MethodGet, "/api/v1/jobs?owner=bob", nil)); got.Total != 0 {
		t.Errorf("list bob = %+v", got)
	}

	w = doJSON(t, f.router, http.MethodPost, "/api/v1/jobs/"+job.ID+"/resume", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("resume running job: %d", w.Code)
	}

	w = doJSON(t, f.router, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d", w.Code)
	}
	if got := f.wait(t, job.ID); got.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if w := doJSON(t, f.router, http.MethodPost, "/api/v1/jobs/missing/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("cancel missing: %d", w.Code)
	}

	f.release()
	w = doJSON(t, f.router, http.MethodPost, "/api/v1/jobs/"+job.ID+"/resume", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("resume: %d %s", w.Code, w.Body.String())
	}
	resumed := decode[domain.Job](t, w)
	if resumed.ID == job.ID || resumed.ResumedFrom != job.ID {
		t.Errorf("resumed = %+v", resumed)
	}
	if got := f.wait(t, resumed.ID); got.Status != domain.JobStatusCompleted {
		t.Errorf("resumed status = %s", got.Status)
	}
}

func TestJobAdmission(t *testing.T) {
	subs := subscriptions{
		"ann":  {Owner: "ann", Active: true, MonthlyQuota: 1, Platforms: domain.StringArray{"tiktok"}},
		"zero": {Owner: "zero", Active: true, MonthlyQuota: 0},
	}
	gate := service.NewAdmissionGate(subs, logger.Discard())
	f := newJobsFixture(t, gate)
	f.release()

	t.Run("check does not charge", func(t *testing.T) {
		req := JobRequest{Owner: "ann", Topic: "x", Targets: []domain.PublishTarget{{Platform: "youtube"}}}
		w := doJSON(t, f.router, http.MethodPost, "/api/v1/admission/check", req)
		got := decode[service.Decision](t, w)
		if w.Code != http.StatusOK || got.CanCreate || got.Reason != service.ReasonPlatformNotAllowed {
			t.Errorf("check = %d %+v", w.Code, got)
		}
		if subs["ann"].UsedThisMonth != 0 {
			t.Errorf("check charged quota")
		}
	})

	t.Run("denied submit", func(t *testing.T) {
		w := doJSON(t, f.router, http.MethodPost, "/api/v1/jobs", JobRequest{Owner: "zero", Topic: "x"})
		if w.Code != http.StatusForbidden {
			t.Fatalf("got %d", w.Code)
		}
		got := decode[struct {
			Decision service.Decision `json:"decision"`
		}](t, w)
		if got.Decision.Reason != service.ReasonQuotaExceeded {
			t.Errorf("decision = %+v", got.Decision)
		}
		if len(f.jobs.List("zero")) != 0 {
			t.Error("denied job was tracked")
		}
	})

	t.Run("admitted submit charges once", func(t *testing.T) {
		req := JobRequest{Owner: "ann", Topic: "x", Targets: []domain.PublishTarget{{Platform: "TikTok"}}}
		w := doJSON(t, f.router, http.MethodPost, "/api/v1/jobs", req)
		if w.Code != http.StatusAccepted {
			t.Fatalf("got %d %s", w.Code, w.Body.String())
		}
		if subs["ann"].UsedThisMonth != 1 {
			t.Errorf("used = %d", subs["ann"].UsedThisMonth)
		}
		w = doJSON(t, f.router, http.MethodPost, "/api/v1/jobs", req)
		if w.Code != http.StatusForbidden {
			t.Errorf("over quota: %d", w.Code)
		}
	})

	t.Run("unknown owner", func(t *testing.T) {
		w := doJSON(t, f.router, http.MethodPost, "/api/v1/admission/check", JobRequest{Owner: "ghost", Topic: "x"})
		if got := decode[service.Decision](t, w); got.CanCreate || got.Reason != service.ReasonInactive {
			t.Errorf("check = %+v", got)
		}
	})
}

func TestCheckAdmissionWithoutGate(t *testing.T) {
	f := newJobsFixture(t, nil)
	w := doJSON(t, f.router, http.MethodPost, "/api/v1/admission/check", JobRequest{Owner: "ann", Topic: "x"})
	if got := decode[service.Decision](t, w); !got.CanCreate {
		t.Errorf("check = %+v", got)
	}
}

func TestJobEventsStream(t *testing.T) {
	f := newJobsFixture(t, nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	job, err := f.jobs.Submit(context.Background(), "ann", domain.JobSpec{Topic: "tides"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/"+job.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []string
	released := false
	for scanner.Scan() {
		line := scanner.Text()
		lines = append(lines, line)
		// the subscription exists once the snapshot arrived
		if !released && strings.HasPrefix(line, "data:") {
			released = true
			f.release()
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	stream := strings.Join(lines, "\n")
	if !strings.HasPrefix(stream, "event:snapshot") {
		t.Errorf("stream does not start with a snapshot:\n%s", stream)
	}
	for _, want := range []string{"event:job.progress", "event:job.status", `"status":"completed"`} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream missing %q:\n%s", want, stream)
		}
	}
}

func TestJobEventsFinishedJob(t *testing.T) {
	f := newJobsFixture(t, nil)
	f.release()
	job, err := f.jobs.Submit(context.Background(), "ann", domain.JobSpec{Topic: "tides"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.wait(t, job.ID)

	w := doJSON(t, f.router, http.MethodGet, "/api/v1/jobs/"+job.ID+"/events", nil)
	body := w.Body.String()
	if strings.Count(body, "event:") != 1 || !strings.Contains(body, "event:snapshot") {
		t.Errorf("body = %q", body)
	}
	if f.bus.Subscribers() != 0 {
		t.Errorf("subscription leaked")
	}

	if w := doJSON(t, f.router, http.MethodGet, "/api/v1/jobs/missing/events", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: %d", w.Code)
	}
}
