package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
	"github.com/timmy/reelpilot/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type accountsFixture struct {
	reg     *service.AccountRegistry
	tracker *service.HealthTracker
	sched   *service.Scheduler
	router  *gin.Engine
}

func newAccountsFixture(t *testing.T) *accountsFixture {
	t.Helper()
	reg := service.NewAccountRegistry(nil, logger.Discard())
	tracker := service.NewHealthTracker(reg, service.DefaultHealthPolicy(), logger.Discard())
	sched := service.NewScheduler(reg, tracker, logger.Discard(), service.WithLeases(service.NewMemoryLeaseStore(), time.Hour))

	pools := NewPoolHandler(reg)
	accounts := NewAccountHandler(reg, tracker, sched)
	schedule := NewScheduleHandler(sched, tracker, service.StrategyRoundRobin)

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/pools", pools.CreatePool)
	v1.GET("/pools", pools.ListPools)
	v1.GET("/pools/:id", pools.GetPool)
	v1.PATCH("/pools/:id", pools.UpdatePool)
	v1.DELETE("/pools/:id", pools.DeletePool)
	v1.POST("/pools/:id/accounts", accounts.AddAccount)
	v1.GET("/pools/:id/accounts", accounts.ListAccounts)
	v1.DELETE("/pools/:id/accounts/:accountId", accounts.RemoveAccount)
	v1.GET("/accounts/:id", accounts.GetAccount)
	v1.PATCH("/accounts/:id", accounts.UpdateAccount)
	v1.PUT("/accounts/:id/credential", accounts.UpdateCredential)
	v1.POST("/accounts/:id/usage", accounts.RecordUsage)
	v1.POST("/accounts/:id/rate-limit", accounts.RateLimit)
	v1.POST("/accounts/:id/ban", accounts.Ban)
	v1.POST("/accounts/:id/disable", accounts.Disable)
	v1.POST("/accounts/:id/unban", accounts.Unban)
	v1.GET("/health/accounts", accounts.HealthReport)
	v1.GET("/health/alerts", accounts.Alerts)
	v1.POST("/schedule/next", schedule.Next)

	return &accountsFixture{reg: reg, tracker: tracker, sched: sched, router: r}
}

func (f *accountsFixture) pool(t *testing.T, platform string) domain.Pool {
	t.Helper()
	p, err := f.reg.CreatePool(context.Background(), platform, platform+" pool")
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return p
}

func (f *accountsFixture) account(t *testing.T, poolID, name string) domain.Account {
	t.Helper()
	acc, err := f.reg.AddAccount(context.Background(), poolID, name, []byte("token-"+name), 0)
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	return acc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}
