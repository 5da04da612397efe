package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got Event
	eb.On(EventSessionState, func(e Event) { got = e })

	eb.Emit(Event{Type: EventSessionState, Payload: map[string]any{"to": "connected"}})

	if got.Payload["to"] != "connected" {
		t.Errorf("payload not delivered: %+v", got)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventSessionState})
	eb.Emit(Event{Type: EventDeliveryFailed})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On(EventSessionPairing, func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventSessionPairing})
	eb.Off(EventSessionPairing, id)
	eb.Emit(Event{Type: EventSessionPairing})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_OffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	idA := eb.On("x", func(e Event) { atomic.AddInt32(&a, 1) })
	eb.Off("x", idA)
	eb.On("x", func(e Event) { atomic.AddInt32(&b, 1) })
	idC := eb.On("x", func(e Event) {})
	if idA == idC {
		t.Fatal("handler ids must not be reused")
	}

	eb.Emit(Event{Type: "x"})
	if a != 0 || b != 1 {
		t.Errorf("a=%d b=%d, want 0 and 1", a, b)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: EventSessionState})
	eb.Emit(Event{Type: EventMessageForwarded})
	eb.Emit(Event{Type: EventSessionState})

	if n := len(eb.Replay(EventSessionState, time.Time{})); n != 2 {
		t.Errorf("expected 2 state events, got %d", n)
	}
	if n := len(eb.Replay("*", time.Time{})); n != 3 {
		t.Errorf("expected 3 total events, got %d", n)
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	if n := len(eb.Replay("*", threshold)); n != 1 {
		t.Errorf("expected 1 event since threshold, got %d", n)
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBusSize(5, testEBLogger())

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
	events := eb.Replay("*", time.Time{})
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatal("replay not in emit order")
		}
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(e Event) { panic("boom") })
	eb.On("panic", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})

	if after != 1 {
		t.Error("handler after a panicking one should still run")
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", time.Time{})
	if len(events) != 1 || events[0].Timestamp.IsZero() {
		t.Fatalf("timestamp should be auto-set: %+v", events)
	}
}
