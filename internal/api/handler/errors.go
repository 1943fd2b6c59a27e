package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/service"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAdmissionDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": ...}. Server errors are logged and not echoed in detail.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var admErr *service.AdmissionError
	if errors.As(err, &admErr) {
		body["decision"] = admErr.Decision
	}
	if status == http.StatusInternalServerError {
		ctx := c.Request.Context()
		logger.CtxError(ctx, "Request failed: %v", err)
		body["error"] = "internal error"
		if id := logger.GetRequestID(ctx); id != "" {
			body["request_id"] = id
		}
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
}
