package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/api/middleware"
	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/service"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("pool x: %w", domain.ErrNotFound), http.StatusNotFound},
		{"invalid input", fmt.Errorf("%w: bad", domain.ErrInvalidInput), http.StatusBadRequest},
		{"unavailable", fmt.Errorf("platform x: %w", domain.ErrUnavailable), http.StatusConflict},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"admission", &service.AdmissionError{Decision: service.Decision{Reason: service.ReasonQuotaExceeded}}, http.StatusForbidden},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRespondError(t *testing.T) {
	serve := func(err error) *httptest.ResponseRecorder {
		r := gin.New()
		r.GET("/", func(c *gin.Context) { respondError(c, err) })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		return w
	}

	t.Run("internal errors are not echoed", func(t *testing.T) {
		w := serve(errors.New("dial tcp 10.0.0.1: refused"))
		body := decode[map[string]interface{}](t, w)
		if w.Code != http.StatusInternalServerError || body["error"] != "internal error" {
			t.Errorf("got %d %v", w.Code, body)
		}
	})

	t.Run("internal errors carry the request id", func(t *testing.T) {
		r := gin.New()
		r.Use(middleware.RequestLogger(logger.Discard()))
		r.GET("/", func(c *gin.Context) { respondError(c, errors.New("disk full")) })
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-42")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		body := decode[map[string]interface{}](t, w)
		if body["request_id"] != "req-42" {
			t.Errorf("got %v", body)
		}
	})

	t.Run("admission decision included", func(t *testing.T) {
		w := serve(&service.AdmissionError{Decision: service.Decision{Reason: service.ReasonTooManyPlatforms, Message: "3 targets"}})
		body := decode[struct {
			Decision service.Decision `json:"decision"`
		}](t, w)
		if w.Code != http.StatusForbidden || body.Decision.Reason != service.ReasonTooManyPlatforms {
			t.Errorf("got %d %+v", w.Code, body)
		}
	})
}
