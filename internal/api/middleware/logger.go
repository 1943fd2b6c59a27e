package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/timmy/reelpilot/internal/logger"
)

const (
	headerRequestID = "X-Request-ID"
	loggerKey       = "logger"
)

// RequestLogger returns a Gin middleware that injects a request-scoped logger
// derived from base and logs one completion line per request.
// An incoming X-Request-ID is kept; otherwise a new one is generated.
func RequestLogger(base *logger.Logger) gin.HandlerFunc {
	if base == nil {
		base = logger.FromContext(context.Background())
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logger.SetRequestID(base.WithComponent("api").WithContext(c.Request.Context()), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(loggerKey, logger.FromContext(ctx))
		c.Header(headerRequestID, requestID)

		c.Next()

		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		entry := logger.With(logger.Fields{
			logger.FieldStatus: c.Writer.Status(),
			logger.FieldSize:   c.Writer.Size(),
		}).WithDuration(time.Since(start))
		if c.Writer.Status() >= 500 {
			entry.Warn(ctx, "Request completed: method=%s, path=%s", c.Request.Method, path)
			return
		}
		entry.Info(ctx, "Request completed: method=%s, path=%s", c.Request.Method, path)
	}
}

// GetLogger extracts the request logger from the Gin context or the request context.
func GetLogger(c *gin.Context) *logger.Logger {
	if l, exists := c.Get(loggerKey); exists {
		if log, ok := l.(*logger.Logger); ok {
			return log
		}
	}
	return logger.FromContext(c.Request.Context())
}
