package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/timmy/reelpilot/internal/domain"
	"github.com/timmy/reelpilot/internal/logger"
)

func TestBus_DeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	all := bus.Subscribe(nil)
	jobOnly := bus.Subscribe(ForJob("job-1"))
	alerts := bus.Subscribe(OfType(TypeAccountAlert))

	bus.Publish(Event{Type: TypeJobProgress, JobID: "job-1", Percent: 10})
	bus.Publish(Event{Type: TypeJobProgress, JobID: "job-2", Percent: 20})
	bus.Publish(Event{Type: TypeAccountAlert, Alert: &domain.Alert{AccountID: "acc-1"}})

	if got := len(all.C()); got != 3 {
		t.Errorf("expected 3 events for unfiltered subscriber, got %d", got)
	}
	if got := len(jobOnly.C()); got != 1 {
		t.Errorf("expected 1 event for job subscriber, got %d", got)
	}
	if got := len(alerts.C()); got != 1 {
		t.Errorf("expected 1 event for alert subscriber, got %d", got)
	}

	ev := <-jobOnly.C()
	if ev.Percent != 10 {
		t.Errorf("expected percent 10, got %d", ev.Percent)
	}
	if ev.At.IsZero() {
		t.Error("expected publish to stamp the event time")
	}
}

func TestBus_PublishNeverBlocksWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()
	sub := bus.Subscribe(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: TypeJobProgress, JobID: "job-1", Percent: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := len(sub.C()); got != 2 {
		t.Errorf("expected buffer to hold 2 events, got %d", got)
	}
	if got := bus.Dropped(); got != 8 {
		t.Errorf("expected 8 dropped deliveries, got %d", got)
	}
}

func TestBus_CloseSubscription(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe(nil)
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("expected no subscribers, got %d", bus.Subscribers())
	}

	bus.Close()
	late := bus.Subscribe(nil)
	if _, ok := <-late.C(); ok {
		t.Error("expected subscription on closed bus to be closed")
	}
	bus.Publish(Event{Type: TypeJobStatus})
}

func TestEvent_Key(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "job", ev: Event{Type: TypeJobStatus, JobID: "j"}, want: "j"},
		{name: "account alert", ev: Event{Type: TypeAccountAlert, Alert: &domain.Alert{AccountID: "a", PoolID: "p"}}, want: "a"},
		{name: "pool alert", ev: Event{Type: TypeAccountAlert, Alert: &domain.Alert{PoolID: "p"}}, want: "p"},
		{name: "bare", ev: Event{Type: TypeJobProgress}, want: string(TypeJobProgress)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_Handle(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "reel.events"}

	err := sink.Handle(context.Background(), Event{Type: TypeJobStatus, JobID: "job-9", Status: domain.JobStatusCompleted, At: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "reel.events" || string(msg.Key) != "job-9" {
		t.Errorf("unexpected topic/key: %q/%q", msg.Topic, msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(TypeJobStatus) {
		t.Errorf("unexpected headers: %+v", msg.Headers)
	}
}

func TestNewKafkaSink_Validation(t *testing.T) {
	if _, err := NewKafkaSink(nil, "t"); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSink([]string{"localhost:9092"}, ""); err == nil {
		t.Error("expected error without topic")
	}
}

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (s *countingSink) Handle(context.Context, Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return errors.New("sink down")
}

func TestForward_StopsWhenSubscriptionCloses(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe(nil)
	sink := &countingSink{}

	bus.Publish(Event{Type: TypeJobProgress, JobID: "a"})
	bus.Publish(Event{Type: TypeJobProgress, JobID: "b"})

	done := make(chan struct{})
	go func() {
		Forward(context.Background(), sub, sink, logger.Discard())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := sink.count
		sink.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 handled events, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	bus.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after bus close")
	}
}
