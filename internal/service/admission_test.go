package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
)

func TestCheckQuota(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	base := domain.Subscription{
		Owner:              "alice",
		Active:             true,
		MonthlyQuota:       10,
		UsedThisMonth:      3,
		MaxDurationSeconds: 60,
		Platforms:          domain.StringArray{"tiktok", "youtube"},
		MaxPlatforms:       2,
	}
	targets := func(platforms ...string) []domain.PublishTarget {
		out := make([]domain.PublishTarget, len(platforms))
		for i, p := range platforms {
			out[i] = domain.PublishTarget{Platform: p}
		}
		return out
	}

	tests := []struct {
		name     string
		mutate   func(s *domain.Subscription)
		duration int
		targets  []domain.PublishTarget
		want     DenyReason
	}{
		{name: "allowed", duration: 45, targets: targets("tiktok")},
		{name: "allowed case insensitive", duration: 45, targets: targets("TikTok", "YouTube")},
		{name: "quota exhausted", mutate: func(s *domain.Subscription) { s.UsedThisMonth = 10 }, duration: 45, targets: targets("tiktok"), want: ReasonQuotaExceeded},
		{name: "quota checked before platform", mutate: func(s *domain.Subscription) { s.UsedThisMonth = 10 }, duration: 45, targets: targets("instagram"), want: ReasonQuotaExceeded},
		{name: "inactive", mutate: func(s *domain.Subscription) { s.Active = false }, duration: 45, targets: targets("tiktok"), want: ReasonInactive},
		{name: "expired", mutate: func(s *domain.Subscription) { s.ExpiresAt = &past }, duration: 45, targets: targets("tiktok"), want: ReasonInactive},
		{name: "inactive checked before duration", mutate: func(s *domain.Subscription) { s.Active = false }, duration: 600, targets: targets("tiktok"), want: ReasonInactive},
		{name: "duration over cap", duration: 61, targets: targets("tiktok"), want: ReasonDurationExceeded},
		{name: "duration at cap", duration: 60, targets: targets("tiktok")},
		{name: "platform not allowed", duration: 45, targets: targets("tiktok", "instagram"), want: ReasonPlatformNotAllowed},
		{name: "too many targets", duration: 45, targets: targets("tiktok", "youtube", "tiktok"), want: ReasonTooManyPlatforms},
		{name: "zero caps are unrestricted", mutate: func(s *domain.Subscription) {
			s.MaxDurationSeconds = 0
			s.MaxPlatforms = 0
			s.Platforms = nil
		}, duration: 3600, targets: targets("tiktok", "youtube", "instagram", "x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := base
			sub.Platforms = append(domain.StringArray(nil), base.Platforms...)
			if tt.mutate != nil {
				tt.mutate(&sub)
			}
			spec := domain.JobSpec{DurationSeconds: tt.duration}

			got := CheckQuota(sub, spec, tt.targets, now)

			if tt.want == "" {
				if !got.CanCreate || got.Reason != "" {
					t.Errorf("expected allowed, got %+v", got)
				}
			} else if got.CanCreate || got.Reason != tt.want {
				t.Errorf("expected %s, got %+v", tt.want, got)
			}
			if got.Limits.MonthlyQuotaRemaining != sub.MonthlyQuotaRemaining() || got.Limits.RequestedTargets != len(tt.targets) {
				t.Errorf("limits not echoed: %+v", got.Limits)
			}
		})
	}
}

type fakeEntitlements struct {
	mu        sync.Mutex
	subs      map[string]*domain.Subscription
	getErr    error
	consumed  map[string]int
	readDelay time.Duration
}

func newFakeEntitlements(subs ...domain.Subscription) *fakeEntitlements {
	f := &fakeEntitlements{subs: make(map[string]*domain.Subscription), consumed: make(map[string]int)}
	for i := range subs {
		s := subs[i]
		f.subs[s.Owner] = &s
	}
	return f
}

func (f *fakeEntitlements) GetByOwner(_ context.Context, owner string) (*domain.Subscription, error) {
	f.mu.Lock()
	if f.getErr != nil {
		f.mu.Unlock()
		return nil, f.getErr
	}
	s, ok := f.subs[owner]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	cp := *s
	delay := f.readDelay
	f.mu.Unlock()

	time.Sleep(delay)
	return &cp, nil
}

func (f *fakeEntitlements) Consume(_ context.Context, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[owner]
	if !ok {
		return domain.ErrNotFound
	}
	if s.UsedThisMonth >= s.MonthlyQuota {
		return domain.ErrQuotaExhausted
	}
	s.UsedThisMonth++
	f.consumed[owner]++
	return nil
}

func TestAdmissionGate(t *testing.T) {
	provider := newFakeEntitlements(domain.Subscription{Owner: "alice", Active: true, MonthlyQuota: 1})
	gate := NewAdmissionGate(provider, nil)
	ctx := context.Background()
	spec := domain.JobSpec{Topic: "coffee", DurationSeconds: 30, Targets: []domain.PublishTarget{{Platform: "tiktok"}}}

	t.Run("check does not charge", func(t *testing.T) {
		d, err := gate.Check(ctx, "alice", spec)
		if err != nil || !d.CanCreate {
			t.Fatalf("expected allowed, got %+v %v", d, err)
		}
		if provider.consumed["alice"] != 0 {
			t.Error("check must not consume quota")
		}
	})

	t.Run("admit charges once", func(t *testing.T) {
		if _, err := gate.Admit(ctx, "alice", spec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if provider.consumed["alice"] != 1 {
			t.Errorf("expected one charge, got %d", provider.consumed["alice"])
		}
	})

	t.Run("quota then exhausted", func(t *testing.T) {
		d, err := gate.Admit(ctx, "alice", spec)
		var admErr *AdmissionError
		if !errors.As(err, &admErr) || !errors.Is(err, domain.ErrAdmissionDenied) {
			t.Fatalf("expected AdmissionError, got %v", err)
		}
		if d.Reason != ReasonQuotaExceeded || admErr.Decision.Reason != ReasonQuotaExceeded {
			t.Errorf("expected quota_exceeded, got %s", d.Reason)
		}
		if provider.consumed["alice"] != 1 {
			t.Error("denied request must not consume quota")
		}
	})

	t.Run("unknown owner is inactive", func(t *testing.T) {
		d, err := gate.Check(ctx, "bob", spec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.CanCreate || d.Reason != ReasonInactive {
			t.Errorf("expected inactive, got %+v", d)
		}
	})

	t.Run("provider failure", func(t *testing.T) {
		provider.getErr = errors.New("db down")
		defer func() { provider.getErr = nil }()
		if _, err := gate.Admit(ctx, "alice", spec); err == nil || errors.Is(err, domain.ErrAdmissionDenied) {
			t.Errorf("expected a plain error, got %v", err)
		}
	})
}

func TestAdmissionGateConcurrentAdmits(t *testing.T) {
	provider := newFakeEntitlements(domain.Subscription{Owner: "alice", Active: true, MonthlyQuota: 1})
	provider.readDelay = 20 * time.Millisecond
	gate := NewAdmissionGate(provider, nil)
	spec := domain.JobSpec{Topic: "coffee"}

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		denied   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Admit(context.Background(), "alice", spec)
			var admErr *AdmissionError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.As(err, &admErr) && admErr.Decision.Reason == ReasonQuotaExceeded:
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 1 || denied != callers-1 {
		t.Errorf("admitted=%d denied=%d, want 1 and %d", admitted, denied, callers-1)
	}
	if provider.consumed["alice"] != 1 {
		t.Errorf("expected one charge, got %d", provider.consumed["alice"])
	}
}
