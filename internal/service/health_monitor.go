package service

import (
	"context"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/events"
	"github.com/timmy/reelpilot/internal/logger"
)

// HealthMonitor runs CheckHealth periodically and publishes alerts that are new
// since the previous sweep. An alert that clears and comes back is published again.
type HealthMonitor struct {
	tracker  *HealthTracker
	bus      events.Publisher
	interval time.Duration
	log      *logger.Logger
	seen     map[string]struct{}
}

func NewHealthMonitor(tracker *HealthTracker, bus events.Publisher, interval time.Duration, log *logger.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &HealthMonitor{
		tracker:  tracker,
		bus:      bus,
		interval: interval,
		log:      log.WithComponent("health_monitor"),
		seen:     make(map[string]struct{}),
	}
}

// Run sweeps until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep checks health once and returns the alerts it published.
func (m *HealthMonitor) Sweep() []domain.Alert {
	alerts := m.tracker.CheckHealth()
	current := make(map[string]struct{}, len(alerts))
	var published []domain.Alert

	for i := range alerts {
		a := alerts[i]
		key := alertKey(a)
		current[key] = struct{}{}
		if _, ok := m.seen[key]; ok {
			continue
		}
		m.bus.Publish(events.Event{Type: events.TypeAccountAlert, Alert: &a, At: a.CreatedAt})
		published = append(published, a)
	}
	m.seen = current

	if len(published) > 0 {
		logger.With(logger.Fields{"total": len(alerts)}).WithCount(len(published)).
			Info(m.log.WithContext(context.Background()), "Health alerts raised")
	}
	return published
}

func alertKey(a domain.Alert) string {
	return string(a.Kind) + "|" + string(a.Severity) + "|" + a.PoolID + "|" + a.AccountID
}
