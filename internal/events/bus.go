// Package events provides the in-process lifecycle event bus. Emission is
// synchronous, so events from one task arrive in emission order.
package events

import (
	"sync"
	"time"
)

// Topic identifies an event class.
type Topic string

// Lifecycle topics.
const (
	TopicSessionStarted   Topic = "import.session.started"
	TopicSessionCompleted Topic = "import.session.completed"
	TopicSessionFailed    Topic = "import.session.failed"
	TopicBatchSaved       Topic = "import.batch.saved"
	TopicImportWarning    Topic = "import.warning"
	TopicProviderCall     Topic = "provider.call"
	TopicCircuitOpened    Topic = "provider.circuit.opened"
	TopicCircuitClosed    Topic = "provider.circuit.closed"
	TopicCircuitHalfOpen  Topic = "provider.circuit.half-open"
	TopicProviderFailover Topic = "provider.failover"
)

// Event is a structured lifecycle signal. SessionID doubles as the
// correlation id for import-side events.
type Event struct {
	Topic     Topic
	Time      time.Time
	SessionID string
	AccountID string
	Source    string
	Provider  string
	Counts    map[string]int64
	Duration  time.Duration
	Metadata  map[string]interface{}
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus fans events out to topic subscribers and wildcard subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	all      []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers a handler for one topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers an event to all matching handlers, synchronously.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	topicHandlers := b.handlers[ev.Topic]
	allHandlers := b.all
	b.mu.RUnlock()

	for _, h := range topicHandlers {
		h(ev)
	}
	for _, h := range allHandlers {
		h(ev)
	}
}
