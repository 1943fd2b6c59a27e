package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/service"
)

// ScheduleHandler hands out accounts to callers that act on a platform themselves.
type ScheduleHandler struct {
	scheduler       *service.Scheduler
	tracker         *service.HealthTracker
	defaultStrategy service.Strategy
	nowFn           func() time.Time
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(scheduler *service.Scheduler, tracker *service.HealthTracker, defaultStrategy service.Strategy) *ScheduleHandler {
	return &ScheduleHandler{scheduler: scheduler, tracker: tracker, defaultStrategy: defaultStrategy, nowFn: time.Now}
}

// NextRequest is the body of POST /api/v1/schedule/next.
type NextRequest struct {
	Platform string `json:"platform" binding:"required"`
	Strategy string `json:"strategy"`
}

// NextResponse carries the chosen account. The credential is included so the caller can act with it.
type NextResponse struct {
	Account    domain.Account   `json:"account"`
	Credential string           `json:"credential"`
	Strategy   service.Strategy `json:"strategy"`
}

// Next handles POST /api/v1/schedule/next.
func (h *ScheduleHandler) Next(c *gin.Context) {
	var req NextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	strategy := h.defaultStrategy
	if req.Strategy != "" {
		parsed, err := service.ParseStrategy(req.Strategy)
		if err != nil {
			respondError(c, err)
			return
		}
		strategy = parsed
	}

	acc, err := h.scheduler.NextAccount(c.Request.Context(), req.Platform, strategy)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			body := gin.H{"error": err.Error()}
			if wait, ok := h.retryAfter(req.Platform); ok {
				secs := int(math.Ceil(wait.Seconds()))
				c.Header("Retry-After", strconv.Itoa(secs))
				body["retry_after_seconds"] = secs
			}
			c.JSON(http.StatusConflict, body)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, NextResponse{Account: acc, Credential: string(acc.Credential), Strategy: strategy})
}

// retryAfter returns the time until the earliest cooldown or rate limit of platform ends.
func (h *ScheduleHandler) retryAfter(platform string) (time.Duration, bool) {
	now := h.nowFn()
	var earliest time.Time
	for _, r := range h.tracker.HealthReport(platform) {
		if !r.Active || r.Health.State.IsTerminal() {
			continue
		}
		for _, t := range []*time.Time{r.Health.CooldownUntil, r.Health.RateLimitResetAt} {
			if t != nil && t.After(now) && (earliest.IsZero() || t.Before(earliest)) {
				earliest = *t
			}
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(now), true
}
