package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the ingestion pipeline.
const (
	EventJobStarted    = "job.started"
	EventJobSucceeded  = "job.succeeded"
	EventJobRequeued   = "job.requeued"
	EventJobFailed     = "job.failed" // terminal
	EventTickScheduled = "tick.scheduled"
)

// Event represents a pipeline event routed through the bus.
type Event struct {
	Type      string
	OrgID     uuid.UUID
	JobID     int64
	JobType   string
	WalletID  int64
	Timestamp time.Time
	Data      interface{}
}

// Bus is an in-process event bus that routes events to subscribers
// based on event type. It uses Go channels for delivery and is
// safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	closed      bool
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe registers a channel to receive events of the given type.
// The caller is responsible for creating the channel with sufficient
// buffer capacity; slow subscribers will have events dropped.
func (b *Bus) Subscribe(eventType string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
}

// SubscribeAll registers a channel for every listed event type.
func (b *Bus) SubscribeAll(ch chan<- Event, eventTypes ...string) {
	for _, et := range eventTypes {
		b.Subscribe(et, ch)
	}
}

// Publish sends an event to all subscribers registered for that event type.
// If a subscriber's channel is full, the event is dropped for that subscriber.
// Publish is a no-op after Close has been called.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for _, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. After Close, Publish is a no-op.
// Close does not close subscriber channels; that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
