package controller

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventFieldUpdate     = "field_update"
	EventFieldWrite      = "field_write"
	EventIdentify        = "identify"
	EventPollError       = "poll_error"
	EventConnectionState = "connection_state"
	EventDeviceInfo      = "device_info"
)

// Event represents a controller event.
type Event struct {
	Type  string    `json:"type"`
	Field string    `json:"field,omitempty"`
	Group string    `json:"group,omitempty"`
	Value any       `json:"value"`
	Error string    `json:"error,omitempty"`
	Time  time.Time `json:"time"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Filter selects the events a subscription receives. Empty members match
// anything, so the zero Filter matches every event.
type Filter struct {
	Type  string
	Field string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	return (f.Type == "" || f.Type == e.Type) && (f.Field == "" || f.Field == e.Field)
}

type subscription struct {
	id      uint64
	filter  Filter
	handler EventHandler
}

// EventBus delivers controller events to subscribers in registration order.
// The subscriber list is copied on write, so Emit never holds the lock while
// handlers run.
type EventBus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe registers handler for events matching f and returns a function
// that removes it. Calling the returned function twice is harmless.
func (eb *EventBus) Subscribe(f Filter, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	subs := make([]subscription, len(eb.subs), len(eb.subs)+1)
	copy(subs, eb.subs)
	eb.subs = append(subs, subscription{id: id, filter: f, handler: handler})
	return func() { eb.remove(id) }
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := make([]subscription, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	eb.subs = subs
}

// On subscribes to one event type.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.Subscribe(Filter{Type: eventType}, handler)
}

// OnField subscribes to every event about one field.
func (eb *EventBus) OnField(field string, handler EventHandler) func() {
	return eb.Subscribe(Filter{Field: field}, handler)
}

// OnAll subscribes to every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.Subscribe(Filter{}, handler)
}

// Emit delivers event synchronously to each matching subscriber. A zero Time
// is filled in. A panicking handler is logged and does not stop delivery.
func (eb *EventBus) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	eb.mu.Lock()
	subs := eb.subs
	eb.mu.Unlock()

	for _, s := range subs {
		if s.filter.Match(event) {
			eb.deliver(s, event)
		}
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "field", event.Field, "panic", r)
		}
	}()
	s.handler(event)
}
