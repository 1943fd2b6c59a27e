package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
)

func TestHealthPolicy_CooldownFor(t *testing.T) {
	p := DefaultHealthPolicy()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 0},
		{failures: 2, want: 0},
		{failures: 3, want: 60 * time.Minute},
		{failures: 4, want: 120 * time.Minute},
		{failures: 5, want: 240 * time.Minute},
		{failures: 7, want: 960 * time.Minute},
		{failures: 8, want: 1440 * time.Minute},
		{failures: 10, want: 1440 * time.Minute},
		{failures: 200, want: 1440 * time.Minute},
		{failures: math.MaxInt32, want: 1440 * time.Minute},
	}
	for _, tt := range tests {
		if got := p.CooldownFor(tt.failures); got != tt.want {
			t.Errorf("CooldownFor(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestHealthTracker_FailuresTriggerCooldown(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t, nil)
	p := f.pool(t, domain.PlatformTikTok, "p")
	a := f.account(t, p.ID, "a", AccountInput{})

	for i := 0; i < 2; i++ {
		f.tracker.RecordUsage(ctx, a.ID, false, "timeout")
	}
	if !f.tracker.IsAvailable(a.ID) {
		t.Fatal("expected account available below the failure threshold")
	}

	f.tracker.RecordUsage(ctx, a.ID, false, "timeout")
	h, _ := f.reg.Health(a.ID)
	if h.State != domain.HealthStateCooldown {
		t.Fatalf("expected cooldown, got %s", h.State)
	}
	if want := f.clock.Now().Add(60 * time.Minute); !h.CooldownUntil.Equal(want) {
		t.Errorf("expected cooldown until %s, got %s", want, h.CooldownUntil)
	}
	if f.tracker.IsAvailable(a.ID) {
		t.Error("expected unavailable during cooldown")
	}

	f.clock.Advance(61 * time.Minute)
	if !f.tracker.IsAvailable(a.ID) {
		t.Error("expected available once cooldown passed")
	}

	f.tracker.RecordUsage(ctx, a.ID, false, "timeout")
	h, _ = f.reg.Health(a.ID)
	if want := f.clock.Now().Add(120 * time.Minute); h.CooldownUntil == nil || !h.CooldownUntil.Equal(want) {
		t.Errorf("expected doubled cooldown until %s, got %v", want, h.CooldownUntil)
	}

	f.clock.Advance(3 * time.Hour)
	f.tracker.RecordUsage(ctx, a.ID, true, "")
	h, _ = f.reg.Health(a.ID)
	if h.State != domain.HealthStateActive || h.ConsecutiveFailures != 0 {
		t.Errorf("expected success to reset, got %+v", h)
	}
	if h.TotalPostCount != 5 || h.SuccessCount != 1 || h.FailureCount != 4 || h.LastError != "timeout" {
		t.Errorf("unexpected counters: %+v", h)
	}
}

func TestHealthTracker_TerminalStatesNeverAvailable(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t, nil)
	p := f.pool(t, domain.PlatformTikTok, "p")
	banned := f.account(t, p.ID, "banned", AccountInput{})
	disabled := f.account(t, p.ID, "disabled", AccountInput{})

	f.tracker.MarkBanned(ctx, banned.ID, "tos")
	f.tracker.Disable(ctx, disabled.ID, "operator")

	// successes and time passing must not revive a terminal state
	for _, id := range []string{banned.ID, disabled.ID} {
		f.tracker.RecordUsage(ctx, id, true, "")
		f.clock.Advance(48 * time.Hour)
		if f.tracker.IsAvailable(id) {
			t.Errorf("account %s became available", id)
		}
		acc, _ := f.reg.GetAccount(id)
		if acc.Active {
			t.Errorf("account %s still active", id)
		}
	}

	h, _ := f.reg.Health(banned.ID)
	if h.State != domain.HealthStateBanned || h.BannedAt == nil || h.BanReason != "tos" || h.SuccessCount != 1 {
		t.Errorf("unexpected banned health: %+v", h)
	}

	if err := f.tracker.Unban(ctx, banned.ID); err != nil {
		t.Fatalf("unban: %v", err)
	}
	h, _ = f.reg.Health(banned.ID)
	acc, _ := f.reg.GetAccount(banned.ID)
	if h.State != domain.HealthStateActive || h.BannedAt != nil || h.BanReason != "" || !acc.Active {
		t.Errorf("unexpected state after unban: %+v / active=%v", h, acc.Active)
	}
	if !f.tracker.IsAvailable(banned.ID) {
		t.Error("expected unbanned account available")
	}

	f.tracker.Unban(ctx, disabled.ID)
	if !f.tracker.IsAvailable(disabled.ID) {
		t.Error("expected re-enabled account available")
	}
}

func TestHealthTracker_RateLimit(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t, nil)
	p := f.pool(t, domain.PlatformTikTok, "p")
	a := f.account(t, p.ID, "a", AccountInput{})

	f.tracker.SetRateLimit(ctx, a.ID, f.clock.Now().Add(15*time.Minute), "429")
	if f.tracker.IsAvailable(a.ID) {
		t.Error("expected unavailable while rate limited")
	}
	f.clock.Advance(15 * time.Minute)
	if !f.tracker.IsAvailable(a.ID) {
		t.Error("expected available at reset time")
	}
	h, _ := f.reg.Health(a.ID)
	if h.State != domain.HealthStateActive || h.RateLimitResetAt != nil {
		t.Errorf("expected rate limit cleared, got %+v", h)
	}
}

func TestHealthTracker_DailyCounter(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t, nil)
	p := f.pool(t, domain.PlatformTikTok, "p")
	a := f.account(t, p.ID, "a", AccountInput{DailyPostLimit: 2})

	f.tracker.RecordUsage(ctx, a.ID, true, "")
	f.tracker.RecordUsage(ctx, a.ID, true, "")

	before, _ := f.reg.Health(a.ID)
	for i := 0; i < 5; i++ {
		if f.tracker.IsAvailable(a.ID) {
			t.Fatal("expected daily limit reached")
		}
	}
	after, _ := f.reg.Health(a.ID)
	if after.DailyPostCount != 2 || !after.DailyLimitResetAt.Equal(before.DailyLimitResetAt) {
		t.Fatalf("IsAvailable changed the counter before the boundary: %+v", after)
	}

	boundary := before.DailyLimitResetAt
	f.clock.Advance(boundary.Sub(f.clock.Now()) + time.Second)
	if !f.tracker.IsAvailable(a.ID) {
		t.Fatal("expected available after the daily boundary")
	}
	rolled, _ := f.reg.Health(a.ID)
	if rolled.DailyPostCount != 0 {
		t.Errorf("expected counter reset, got %d", rolled.DailyPostCount)
	}
	if want := boundary.Add(24 * time.Hour); !rolled.DailyLimitResetAt.Equal(want) {
		t.Errorf("expected boundary %s, got %s", want, rolled.DailyLimitResetAt)
	}

	f.tracker.RecordUsage(ctx, a.ID, true, "")
	f.tracker.IsAvailable(a.ID)
	again, _ := f.reg.Health(a.ID)
	if again.DailyPostCount != 1 || !again.DailyLimitResetAt.Equal(rolled.DailyLimitResetAt) {
		t.Errorf("expected a single reset per boundary, got %+v", again)
	}
	if again.TotalPostCount != 3 {
		t.Errorf("lifetime count must survive the reset, got %d", again.TotalPostCount)
	}
}

func TestHealthTracker_MinPostInterval(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t, nil)
	p := f.pool(t, domain.PlatformTikTok, "p")
	a := f.account(t, p.ID, "a", AccountInput{MinPostInterval: 10 * time.Minute})

	f.tracker.RecordUsage(ctx, a.ID, true, "")
	if f.tracker.IsAvailable(a.ID) {
		t.Error("expected unavailable within the minimum interval")
	}
	f.clock.Advance(10 * time.Minute)
	if !f.tracker.IsAvailable(a.ID) {
		t.Error("expected available after the minimum interval")
	}
}

func TestHealthTracker_HealthReport(t *testing.T) {
	ctx := context.Background()
	f := newAccountFixture(t, nil)
	yt := f.pool(t, domain.PlatformYouTube, "yt")
	tt := f.pool(t, domain.PlatformTikTok, "tt")
	fresh := f.account(t, yt.ID, "fresh", AccountInput{})
	mixed := f.account(t, yt.ID, "mixed", AccountInput{})
	banned := f.account(t, yt.ID, "banned", AccountInput{})
	f.account(t, tt.ID, "other", AccountInput{})

	for i := 0; i < 7; i++ {
		f.tracker.RecordUsage(ctx, mixed.ID, true, "")
	}
	for i := 0; i < 3; i++ {
		f.tracker.RecordUsage(ctx, mixed.ID, false, "x")
	}
	f.tracker.MarkBanned(ctx, banned.ID, "spam")

	report := f.tracker.HealthReport(domain.PlatformYouTube)
	if len(report) != 3 {
		t.Fatalf("expected 3 youtube accounts, got %d", len(report))
	}
	byID := make(map[string]domain.AccountHealthReport)
	for _, r := range report {
		byID[r.AccountID] = r
	}
	if got := byID[fresh.ID].SuccessRate; got != 0 {
		t.Errorf("expected 0 success rate with no attempts, got %v", got)
	}
	if !byID[fresh.ID].Available {
		t.Error("expected fresh account available")
	}
	if got := byID[mixed.ID].SuccessRate; math.Abs(got-0.7) > 1e-9 {
		t.Errorf("expected 0.7 success rate, got %v", got)
	}
	if byID[mixed.ID].Available {
		t.Error("expected mixed account cooling down after 3 consecutive failures")
	}
	if byID[banned.ID].Available || byID[banned.ID].Active {
		t.Error("expected banned account inactive and unavailable")
	}
	if got := len(f.tracker.HealthReport("")); got != 4 {
		t.Errorf("expected 4 accounts overall, got %d", got)
	}
}

func TestHealthTracker_UnknownAccount(t *testing.T) {
	f := newAccountFixture(t, nil)
	if f.tracker.IsAvailable("missing") {
		t.Error("expected unknown account unavailable")
	}
	if err := f.tracker.MarkBanned(context.Background(), "missing", "x"); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestHealthTracker_WritesThrough(t *testing.T) {
	store := newMemoryAccountStore()
	f := newAccountFixture(t, store)
	p := f.pool(t, domain.PlatformTikTok, "p")
	a := f.account(t, p.ID, "a", AccountInput{})

	f.tracker.MarkBanned(context.Background(), a.ID, "spam")
	if got := store.health[a.ID].State; got != domain.HealthStateBanned {
		t.Errorf("expected persisted banned state, got %s", got)
	}
	if store.accounts[a.ID].Active {
		t.Error("expected persisted inactive account")
	}
}
