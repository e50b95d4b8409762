package controller

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventFieldUpdate, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventFieldUpdate, Field: FieldModel, Value: "MFF101  "})

	if received.Type != EventFieldUpdate {
		t.Errorf("type = %q, want %q", received.Type, EventFieldUpdate)
	}
	if received.Value != "MFF101  " {
		t.Errorf("value = %v", received.Value)
	}
	if received.Time.IsZero() {
		t.Error("time not filled in")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventFieldUpdate, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventPollError})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventFieldUpdate})
	eb.Emit(Event{Type: EventFieldWrite})
	eb.Emit(Event{Type: EventIdentify})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventIdentify, func(e Event) {
		count.Add(1)
	})
	unsubAll := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventIdentify})
	if count.Load() != 2 {
		t.Fatalf("expected 2 calls before unsub, got %d", count.Load())
	}

	unsub()
	unsubAll()
	eb.Emit(Event{Type: EventIdentify})
	if count.Load() != 2 {
		t.Errorf("expected 2 calls after unsub, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	eb.On(EventPollError, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventPollError, func(e Event) {
		called.Add(1)
	})

	eb.Emit(Event{Type: EventPollError})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventFieldUpdate})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestFilterMatch(t *testing.T) {
	update := Event{Type: EventFieldUpdate, Field: FieldReadbackPosition}
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"zero matches all", Filter{}, update, true},
		{"type", Filter{Type: EventFieldUpdate}, update, true},
		{"other type", Filter{Type: EventPollError}, update, false},
		{"field", Filter{Field: FieldReadbackPosition}, update, true},
		{"other field", Filter{Field: FieldModel}, update, false},
		{"type and field", Filter{Type: EventFieldUpdate, Field: FieldReadbackPosition}, update, true},
		{"field on fieldless event", Filter{Field: FieldModel}, Event{Type: EventIdentify}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.event); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventBusOnField(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var types []string

	eb.OnField(FieldDesiredPosition, func(e Event) {
		types = append(types, e.Type)
	})

	eb.Emit(Event{Type: EventFieldWrite, Field: FieldDesiredPosition})
	eb.Emit(Event{Type: EventFieldUpdate, Field: FieldReadbackPosition})
	eb.Emit(Event{Type: EventPollError, Field: FieldDesiredPosition})

	if len(types) != 2 || types[0] != EventFieldWrite || types[1] != EventPollError {
		t.Errorf("received %v", types)
	}
}

func TestEventBusDeliversInRegistrationOrder(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var order []int

	for i := range 5 {
		eb.OnAll(func(Event) { order = append(order, i) })
	}
	eb.Emit(Event{Type: EventIdentify})

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("delivered %d times, want 5", len(order))
	}
}

func TestEventBusUnsubscribeDuringEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var second atomic.Int32

	var unsubSecond func()
	eb.OnAll(func(Event) { unsubSecond() })
	unsubSecond = eb.OnAll(func(Event) { second.Add(1) })

	eb.Emit(Event{Type: EventIdentify})
	eb.Emit(Event{Type: EventIdentify})
	unsubSecond()

	if n := second.Load(); n != 1 {
		t.Errorf("second handler called %d times, want 1", n)
	}
}
