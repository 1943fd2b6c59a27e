package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/api/handler"
	"github.com/timmy/reelpilot/internal/api/middleware"
	"github.com/timmy/reelpilot/internal/config"
	"github.com/timmy/reelpilot/internal/logger"
)

// Handlers groups the HTTP handlers served by the router.
type Handlers struct {
	Health   *handler.HealthHandler
	Pools    *handler.PoolHandler
	Accounts *handler.AccountHandler
	Schedule *handler.ScheduleHandler
	Jobs     *handler.JobHandler
}

// SetupRouter configures the Gin router with all routes.
// Pool, account, health and scheduling routes require an operator token when cfg.Auth.JWTSecret is set.
func SetupRouter(h Handlers, cfg config.ServerConfig, log *logger.Logger) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.CORS))

	r.GET("/health", h.Health.Health)

	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", h.Jobs.Submit)
		v1.GET("/jobs", h.Jobs.List)
		v1.GET("/jobs/:id", h.Jobs.Get)
		v1.POST("/jobs/:id/cancel", h.Jobs.Cancel)
		v1.POST("/jobs/:id/resume", h.Jobs.Resume)
		v1.GET("/jobs/:id/events", h.Jobs.Events)
		v1.POST("/admission/check", h.Jobs.CheckAdmission)
	}

	ops := v1.Group("", middleware.OperatorAuth(cfg.Auth.JWTSecret))
	{
		// Scheduling hands out credentials
		ops.POST("/schedule/next", h.Schedule.Next)

		// Pools
		ops.POST("/pools", h.Pools.CreatePool)
		ops.GET("/pools", h.Pools.ListPools)
		ops.GET("/pools/:id", h.Pools.GetPool)
		ops.PATCH("/pools/:id", h.Pools.UpdatePool)
		ops.DELETE("/pools/:id", h.Pools.DeletePool)

		// Accounts
		ops.POST("/pools/:id/accounts", h.Accounts.AddAccount)
		ops.GET("/pools/:id/accounts", h.Accounts.ListAccounts)
		ops.DELETE("/pools/:id/accounts/:accountId", h.Accounts.RemoveAccount)
		ops.GET("/accounts/:id", h.Accounts.GetAccount)
		ops.PATCH("/accounts/:id", h.Accounts.UpdateAccount)
		ops.PUT("/accounts/:id/credential", h.Accounts.UpdateCredential)

		// Health
		ops.POST("/accounts/:id/usage", h.Accounts.RecordUsage)
		ops.POST("/accounts/:id/rate-limit", h.Accounts.RateLimit)
		ops.POST("/accounts/:id/ban", h.Accounts.Ban)
		ops.POST("/accounts/:id/disable", h.Accounts.Disable)
		ops.POST("/accounts/:id/unban", h.Accounts.Unban)
		ops.GET("/health/accounts", h.Accounts.HealthReport)
		ops.GET("/health/alerts", h.Accounts.Alerts)
	}

	return r
}
