package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/service"
)

// UsageRecorder records the outcome of an action taken with a scheduled account
// and releases the account's lease. *service.Scheduler implements it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, accountID string, success bool, errText string) error
	RecordRateLimit(ctx context.Context, accountID string, resetAt time.Time, errText string) error
}

// AccountHandler serves account administration and manual health transitions.
type AccountHandler struct {
	registry *service.AccountRegistry
	tracker  *service.HealthTracker
	usage    UsageRecorder
	nowFn    func() time.Time
}

// NewAccountHandler creates a new account handler. Usage and rate-limit reports go through usage.
func NewAccountHandler(registry *service.AccountRegistry, tracker *service.HealthTracker, usage UsageRecorder) *AccountHandler {
	return &AccountHandler{registry: registry, tracker: tracker, usage: usage, nowFn: time.Now}
}

// AddAccountRequest is the body of POST /api/v1/pools/:id/accounts.
// MinPostInterval uses Go duration syntax, e.g. "15m".
type AddAccountRequest struct {
	Name            string `json:"name" binding:"required"`
	Credential      string `json:"credential"`
	Priority        int    `json:"priority"`
	DailyPostLimit  int    `json:"daily_post_limit" binding:"min=0"`
	MinPostInterval string `json:"min_post_interval"`
}

// UpdateAccountRequest is the body of PATCH /api/v1/accounts/:id.
type UpdateAccountRequest struct {
	Name            *string `json:"name"`
	Priority        *int    `json:"priority"`
	DailyPostLimit  *int    `json:"daily_post_limit"`
	MinPostInterval *string `json:"min_post_interval"`
}

// CredentialRequest is the body of PUT /api/v1/accounts/:id/credential.
type CredentialRequest struct {
	Credential string `json:"credential" binding:"required"`
}

// UsageRequest is the body of POST /api/v1/accounts/:id/usage.
type UsageRequest struct {
	Success *bool  `json:"success" binding:"required"`
	Error   string `json:"error"`
}

// RateLimitRequest is the body of POST /api/v1/accounts/:id/rate-limit.
// Either ResetAt or RetryAfterSeconds must be set.
type RateLimitRequest struct {
	ResetAt           *time.Time `json:"reset_at"`
	RetryAfterSeconds int        `json:"retry_after_seconds" binding:"min=0"`
	Error             string     `json:"error"`
}

// ReasonRequest is the body of the ban and disable endpoints.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: min_post_interval %q", domain.ErrInvalidInput, s)
	}
	return d, nil
}

// AddAccount handles POST /api/v1/pools/:id/accounts.
func (h *AccountHandler) AddAccount(c *gin.Context) {
	var req AddAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	interval, err := parseInterval(req.MinPostInterval)
	if err != nil {
		respondError(c, err)
		return
	}

	acc, err := h.registry.AddAccountWith(c.Request.Context(), c.Param("id"), service.AccountInput{
		Name:            req.Name,
		Credential:      []byte(req.Credential),
		Priority:        req.Priority,
		DailyPostLimit:  req.DailyPostLimit,
		MinPostInterval: interval,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

// ListAccounts handles GET /api/v1/pools/:id/accounts.
func (h *AccountHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.registry.ListAccounts(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

// GetAccount handles GET /api/v1/accounts/:id and includes the health record.
func (h *AccountHandler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	acc, err := h.registry.GetAccount(id)
	if err != nil {
		respondError(c, err)
		return
	}
	health, err := h.registry.Health(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc, "health": health, "available": h.tracker.IsAvailable(id)})
}

// RemoveAccount handles DELETE /api/v1/pools/:id/accounts/:accountId.
func (h *AccountHandler) RemoveAccount(c *gin.Context) {
	removed, err := h.registry.RemoveAccount(c.Request.Context(), c.Param("id"), c.Param("accountId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found in pool"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateCredential handles PUT /api/v1/accounts/:id/credential.
func (h *AccountHandler) UpdateCredential(c *gin.Context) {
	var req CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ok, err := h.registry.UpdateCredential(c.Request.Context(), c.Param("id"), []byte(req.Credential))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateAccount handles PATCH /api/v1/accounts/:id.
func (h *AccountHandler) UpdateAccount(c *gin.Context) {
	var req UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	patch := domain.AccountPatch{Name: req.Name, Priority: req.Priority, DailyPostLimit: req.DailyPostLimit}
	if req.MinPostInterval != nil {
		d, err := parseInterval(*req.MinPostInterval)
		if err != nil {
			respondError(c, err)
			return
		}
		patch.MinPostInterval = &d
	}

	acc, err := h.registry.UpdateAccount(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// RecordUsage handles POST /api/v1/accounts/:id/usage.
func (h *AccountHandler) RecordUsage(c *gin.Context) {
	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.transition(c, func(id string) error {
		return h.usage.RecordUsage(c.Request.Context(), id, *req.Success, req.Error)
	})
}

// RateLimit handles POST /api/v1/accounts/:id/rate-limit.
func (h *AccountHandler) RateLimit(c *gin.Context) {
	var req RateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var resetAt time.Time
	switch {
	case req.ResetAt != nil:
		resetAt = *req.ResetAt
	case req.RetryAfterSeconds > 0:
		resetAt = h.nowFn().Add(time.Duration(req.RetryAfterSeconds) * time.Second)
	default:
		badRequest(c, errors.New("reset_at or retry_after_seconds is required"))
		return
	}
	h.transition(c, func(id string) error {
		return h.usage.RecordRateLimit(c.Request.Context(), id, resetAt, req.Error)
	})
}

// Ban handles POST /api/v1/accounts/:id/ban.
func (h *AccountHandler) Ban(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	h.transition(c, func(id string) error {
		return h.tracker.MarkBanned(c.Request.Context(), id, req.Reason)
	})
}

// Disable handles POST /api/v1/accounts/:id/disable.
func (h *AccountHandler) Disable(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	h.transition(c, func(id string) error {
		return h.tracker.Disable(c.Request.Context(), id, req.Reason)
	})
}

// Unban handles POST /api/v1/accounts/:id/unban.
func (h *AccountHandler) Unban(c *gin.Context) {
	h.transition(c, func(id string) error {
		return h.tracker.Unban(c.Request.Context(), id)
	})
}

// transition runs fn for the account in the path and answers with the resulting health.
func (h *AccountHandler) transition(c *gin.Context, fn func(id string) error) {
	id := c.Param("id")
	if err := fn(id); err != nil {
		respondError(c, err)
		return
	}
	health, err := h.registry.Health(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"health": health, "available": h.tracker.IsAvailable(id)})
}

// HealthReport handles GET /api/v1/health/accounts?platform=.
func (h *AccountHandler) HealthReport(c *gin.Context) {
	report := h.tracker.HealthReport(c.Query("platform"))
	c.JSON(http.StatusOK, gin.H{"accounts": report, "total": len(report)})
}

// Alerts handles GET /api/v1/health/alerts.
func (h *AccountHandler) Alerts(c *gin.Context) {
	alerts := h.tracker.CheckHealth()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}
