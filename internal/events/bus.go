package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/reelpilot/internal/domain"
)

// Type names an event stream.
type Type string

const (
	TypeJobProgress  Type = "job.progress"
	TypeJobStatus    Type = "job.status"
	TypeAccountAlert Type = "account.alert"
)

// Event is one fire-and-forget notification. Only the fields relevant to Type are set.
type Event struct {
	Type    Type             `json:"type"`
	JobID   string           `json:"job_id,omitempty"`
	Stage   string           `json:"stage,omitempty"`
	Percent int              `json:"percent,omitempty"`
	Message string           `json:"message,omitempty"`
	Status  domain.JobStatus `json:"status,omitempty"`
	Error   string           `json:"error,omitempty"`
	Alert   *domain.Alert    `json:"alert,omitempty"`
	At      time.Time        `json:"at"`
}

// Key returns the partition key of the event: the job id, or the alerted account or pool.
func (e Event) Key() string {
	if e.JobID != "" {
		return e.JobID
	}
	if e.Alert != nil {
		if e.Alert.AccountID != "" {
			return e.Alert.AccountID
		}
		return e.Alert.PoolID
	}
	return string(e.Type)
}

// Publisher is the producing side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// Filter selects the events a subscriber receives. A nil filter receives everything.
type Filter func(Event) bool

// ForJob matches progress and status events of one job.
func ForJob(jobID string) Filter {
	return func(ev Event) bool { return ev.JobID == jobID }
}

// OfType matches events of the listed types.
func OfType(types ...Type) Filter {
	return func(ev Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
	nowFn   func() time.Time
}

// NewBus creates a bus whose subscribers get buffer slots each (minimum 1).
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		nowFn:  time.Now,
	}
}

// Subscription is one registered observer.
type Subscription struct {
	id     uint64
	ch     chan Event
	filter Filter
	bus    *Bus
	once   sync.Once
}

// C delivers events until the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Subscribe registers an observer. On a closed bus the returned channel is already closed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan Event, b.buffer), filter: filter, bus: b}
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.nowFn()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of registered observers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
