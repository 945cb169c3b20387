package events

import (
	"sync"
	"time"

	"alpaca-trading-bot/internal/logging"
)

// EventType identifies what happened
type EventType string

const (
	EventSignalCreated  EventType = "signal_created"
	EventOrderSubmitted EventType = "order_submitted"
	EventOrderFilled    EventType = "order_filled"
	EventPositionClosed EventType = "position_closed"
	EventRiskBreach     EventType = "risk_breach"
	EventEmergencyStop  EventType = "emergency_stop"
	EventCycleStarted   EventType = "cycle_started"
	EventCycleCompleted EventType = "cycle_completed"
	EventCycleSkipped   EventType = "cycle_skipped"
)

// Event is one bus message. Data holds event-specific fields and must be
// JSON-serializable for the websocket stream.
type Event struct {
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. Handlers must not block; slow
// consumers should buffer internally.
type Handler func(Event)

// Bus is a simple in-process publish/subscribe fanout
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	log      *logging.Logger
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      logging.WithComponent("events"),
	}
}

// Subscribe registers a handler for one event type
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching handlers. A panicking handler
// is recovered and logged so it cannot take down the publisher.
func (b *Bus) Publish(t EventType, userID string, data map[string]any) {
	ev := Event{Type: t, UserID: userID, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	matched := append([]Handler(nil), b.handlers[t]...)
	matched = append(matched, b.all...)
	b.mu.RUnlock()

	for _, h := range matched {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event_type", string(ev.Type), "panic", r)
		}
	}()
	h(ev)
}
