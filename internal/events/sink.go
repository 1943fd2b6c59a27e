package events

import (
	"context"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

// Sink consumes events outside the bus, e.g. a log or a broker.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// Forward drains sub into sink until ctx is done or the subscription closes.
// Sink errors are logged and never stop the loop.
func Forward(ctx context.Context, sub *Subscription, sink Sink, log *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sink.Handle(ctx, ev); err != nil {
				log.WithError(err).WithField("event_type", string(ev.Type)).Warn("Event sink failed")
			}
		}
	}
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.WithComponent("events")}
}

func (s *LogSink) Handle(_ context.Context, ev Event) error {
	entry := s.log.WithField("event_type", string(ev.Type))
	switch ev.Type {
	case TypeJobProgress:
		entry.WithFields(logger.Fields{
			logger.FieldJobID: ev.JobID,
			logger.FieldStage: ev.Stage,
			"percent":         ev.Percent,
		}).Debug(ev.Message)
	case TypeJobStatus:
		entry = entry.WithFields(logger.Fields{
			logger.FieldJobID:  ev.JobID,
			logger.FieldStatus: string(ev.Status),
		})
		if ev.Error != "" {
			entry.WithField("error", ev.Error).Warn("Job status changed")
			return nil
		}
		entry.Info("Job status changed")
	case TypeAccountAlert:
		if ev.Alert == nil {
			return nil
		}
		entry = entry.WithFields(logger.Fields{
			logger.FieldAccountID: ev.Alert.AccountID,
			logger.FieldPoolID:    ev.Alert.PoolID,
			"kind":                string(ev.Alert.Kind),
			"severity":            string(ev.Alert.Severity),
		})
		switch ev.Alert.Severity {
		case domain.SeverityCritical:
			entry.Error(ev.Alert.Message)
		case domain.SeverityWarning:
			entry.Warn(ev.Alert.Message)
		default:
			entry.Info(ev.Alert.Message)
		}
	}
	return nil
}
