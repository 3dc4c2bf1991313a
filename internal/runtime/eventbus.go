package runtime

import (
	"sync"
	"time"
)

// EventType represents the type of pipeline event.
type EventType string

const (
	EventPipelineStarted EventType = "pipeline_started"
	EventPipelineStopped EventType = "pipeline_stopped"
	EventPipelineError   EventType = "pipeline_error"
	EventActionDropped   EventType = "action_dropped"
	EventBatchProcessed  EventType = "batch_processed"
	EventPatternDetected EventType = "pattern_detected"
	EventAnomalyDetected EventType = "anomaly_detected"
	EventPressureChanged EventType = "pressure_changed"
	EventBurstStarted    EventType = "burst_started"
	EventBurstEnded      EventType = "burst_ended"
	EventDataCleaned     EventType = "data_cleaned"
)

// Event represents a pipeline event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	Data      map[string]any
}

// EventHandler is a function that handles events. Handlers run on the
// publishing goroutine; batch events are published while the processor is
// mid-batch, so handlers must not call back into the processor.
type EventHandler func(Event)

// EventBus manages event publication and subscription.
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

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
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

// PublishSimple publishes an event without additional data.
func (eb *EventBus) PublishSimple(eventType EventType, runID string) {
	eb.Publish(Event{
		Type:  eventType,
		RunID: runID,
	})
}

// PublishWithData publishes an event with associated data.
func (eb *EventBus) PublishWithData(eventType EventType, runID string, data map[string]any) {
	eb.Publish(Event{
		Type:  eventType,
		RunID: runID,
		Data:  data,
	})
}
