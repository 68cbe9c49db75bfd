package bank

import (
	"sync"
	"time"
)

// EventType is the kind of bank event.
type EventType string

const (
	EventBlockCreated EventType = "block_created"
	EventBlockUpdated EventType = "block_updated"
	EventBlockDeleted EventType = "block_deleted"
	EventRollback     EventType = "rollback"
	EventInconsistent EventType = "inconsistent"
)

// Event describes one completed or compensated mutation.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	BlockID    string
	CommitHash string
	Data       map[string]interface{}
}

// EventHandler is a function that handles events.
type EventHandler func(Event)

// EventBus fans bank events out to subscribers. Handlers run synchronously on
// the publishing goroutine.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers. A nil bus drops it.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// PublishWithData publishes an event for blockID with associated data.
func (eb *EventBus) PublishWithData(eventType EventType, blockID string, data map[string]interface{}) {
	eb.Publish(Event{
		Type:    eventType,
		BlockID: blockID,
		Data:    data,
	})
}
