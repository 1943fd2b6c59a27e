package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

// Entitlement is the read-only view of what a job owner may run.
// domain.Subscription implements it.
type Entitlement interface {
	MonthlyQuotaRemaining() int
	MaxDuration() time.Duration
	AllowedPlatforms() []string
	PlatformCap() int
	IsActive(now time.Time) bool
}

// DenyReason names the first admission check that failed.
type DenyReason string

const (
	ReasonQuotaExceeded      DenyReason = "quota_exceeded"
	ReasonInactive           DenyReason = "subscription_inactive"
	ReasonDurationExceeded   DenyReason = "duration_exceeded"
	ReasonPlatformNotAllowed DenyReason = "platform_not_allowed"
	ReasonTooManyPlatforms   DenyReason = "too_many_platforms"
)

// Limits echoes what was checked, so callers can explain a decision.
type Limits struct {
	MonthlyQuotaRemaining    int      `json:"monthly_quota_remaining"`
	MaxDurationSeconds       int      `json:"max_duration_seconds"`
	AllowedPlatforms         []string `json:"allowed_platforms"`
	PlatformCap              int      `json:"platform_cap"`
	RequestedDurationSeconds int      `json:"requested_duration_seconds"`
	RequestedTargets         int      `json:"requested_targets"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	CanCreate bool       `json:"can_create"`
	Reason    DenyReason `json:"reason,omitempty"`
	Message   string     `json:"message,omitempty"`
	Limits    Limits     `json:"limits"`
}

// AdmissionError carries a negative decision. It matches domain.ErrAdmissionDenied.
type AdmissionError struct {
	Decision Decision
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Decision.Message)
}

func (e *AdmissionError) Unwrap() error { return domain.ErrAdmissionDenied }

// CheckQuota evaluates ent against a job request. The first failing check wins,
// in this order: monthly quota, active, duration cap, platform allow-list, target count.
// A zero cap or an empty allow-list means unrestricted.
func CheckQuota(ent Entitlement, spec domain.JobSpec, targets []domain.PublishTarget, now time.Time) Decision {
	limits := Limits{
		MonthlyQuotaRemaining:    ent.MonthlyQuotaRemaining(),
		MaxDurationSeconds:       int(ent.MaxDuration() / time.Second),
		AllowedPlatforms:         ent.AllowedPlatforms(),
		PlatformCap:              ent.PlatformCap(),
		RequestedDurationSeconds: spec.DurationSeconds,
		RequestedTargets:         len(targets),
	}
	deny := func(reason DenyReason, format string, args ...interface{}) Decision {
		return Decision{Reason: reason, Message: fmt.Sprintf(format, args...), Limits: limits}
	}

	if limits.MonthlyQuotaRemaining <= 0 {
		return deny(ReasonQuotaExceeded, "monthly quota exhausted")
	}
	if !ent.IsActive(now) {
		return deny(ReasonInactive, "subscription is inactive or expired")
	}
	if maxDur := ent.MaxDuration(); maxDur > 0 && spec.Duration() > maxDur {
		return deny(ReasonDurationExceeded, "requested duration %s exceeds limit %s", spec.Duration(), maxDur)
	}
	if len(limits.AllowedPlatforms) > 0 {
		allowed := make(map[string]bool, len(limits.AllowedPlatforms))
		for _, p := range limits.AllowedPlatforms {
			allowed[strings.ToLower(p)] = true
		}
		for _, t := range targets {
			if !allowed[strings.ToLower(t.Platform)] {
				return deny(ReasonPlatformNotAllowed, "platform %s is not included in the plan", t.Platform)
			}
		}
	}
	if limits.PlatformCap > 0 && len(targets) > limits.PlatformCap {
		return deny(ReasonTooManyPlatforms, "%d targets requested, plan allows %d", len(targets), limits.PlatformCap)
	}
	return Decision{CanCreate: true, Limits: limits}
}

// AdmissionGate looks up the owner's entitlement, checks it and charges the quota.
type AdmissionGate struct {
	provider EntitlementProvider
	log      *logger.Logger
	nowFn    func() time.Time
}

func NewAdmissionGate(provider EntitlementProvider, log *logger.Logger) *AdmissionGate {
	if log == nil {
		log = logger.Discard()
	}
	return &AdmissionGate{provider: provider, log: log.WithComponent("admission"), nowFn: time.Now}
}

// Check evaluates a request for owner without charging anything.
func (g *AdmissionGate) Check(ctx context.Context, owner string, spec domain.JobSpec) (Decision, error) {
	ent, err := g.provider.GetByOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Decision{Reason: ReasonInactive, Message: "no subscription for owner"}, nil
		}
		return Decision{}, fmt.Errorf("load entitlement: %w", err)
	}
	return CheckQuota(ent, spec, spec.Targets, g.nowFn()), nil
}

// Admit checks the request and, when allowed, consumes one job from the owner's quota.
// A denial is returned as *AdmissionError.
func (g *AdmissionGate) Admit(ctx context.Context, owner string, spec domain.JobSpec) (Decision, error) {
	decision, err := g.Check(ctx, owner, spec)
	if err != nil {
		return decision, err
	}
	log := g.log.WithField(logger.FieldOwner, owner)
	if !decision.CanCreate {
		log.WithField("reason", string(decision.Reason)).Info("Job denied")
		return decision, &AdmissionError{Decision: decision}
	}
	if err := g.provider.Consume(ctx, owner); err != nil {
		if errors.Is(err, domain.ErrQuotaExhausted) {
			// another admission took the last job of the month after our check
			decision.CanCreate = false
			decision.Reason = ReasonQuotaExceeded
			decision.Message = "monthly quota exhausted"
			decision.Limits.MonthlyQuotaRemaining = 0
			log.WithField("reason", string(decision.Reason)).Info("Job denied")
			return decision, &AdmissionError{Decision: decision}
		}
		return decision, fmt.Errorf("consume quota: %w", err)
	}
	log.Debug("Job admitted")
	return decision, nil
}
