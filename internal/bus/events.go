package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a lifecycle notification (state changes, pairing challenges,
// forwarding outcomes) for ops consumers.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe system with a bounded replay
// history. Handlers run synchronously on the emitting goroutine and must not
// block.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	nextID   int
	logger   *slog.Logger

	// history is a ring; head is the slot the next event goes to.
	history []Event
	head    int
	full    bool
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

const defaultHistory = 1000

// NewEventBus creates an EventBus keeping the last 1000 events.
func NewEventBus(logger *slog.Logger) *EventBus {
	return NewEventBusSize(defaultHistory, logger)
}

// NewEventBusSize creates an EventBus keeping the last size events.
func NewEventBusSize(size int, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = defaultHistory
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
		history:  make([]Event, size),
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls every matching handler in order, the
// type's own handlers before the wildcard ones.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.history[eb.head] = event
	eb.head = (eb.head + 1) % len(eb.history)
	if eb.head == 0 {
		eb.full = true
	}
	handlers := append(append([]namedHandler(nil), eb.handlers[event.Type]...), eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.ID, "panic", r)
		}
	}()
	h.Handler(event)
}

// Replay returns recorded events of the given type ("*" for all) emitted at
// or after since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	eb.each(func(e Event) {
		if e.Timestamp.Before(since) {
			return
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	})
	return result
}

// each visits the history oldest first. Callers hold mu.
func (eb *EventBus) each(fn func(Event)) {
	if eb.full {
		for _, e := range eb.history[eb.head:] {
			fn(e)
		}
	}
	for _, e := range eb.history[:eb.head] {
		fn(e)
	}
}

// HistoryLen returns the number of recorded events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.full {
		return len(eb.history)
	}
	return eb.head
}

// Well-known event types.
const (
	EventSessionState     = "session.state"
	EventSessionPairing   = "session.pairing"
	EventMessageForwarded = "message.forwarded"
	EventDeliveryFailed   = "delivery.failed"
)
