// Package notify turns session and delivery lifecycle events into operator
// alerts and fans them out to chat sinks (Telegram, Slack, Discord).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/bus"
)

// Alert kinds.
const (
	KindPairing        = "pairing"
	KindConnected      = "connected"
	KindLinkLost       = "link_lost"
	KindTerminated     = "terminated"
	KindDeliveryFailed = "delivery_failed"
)

// Alert is one operator notification.
type Alert struct {
	Kind  string
	Title string
	Text  string
	// QR is the raw pairing code. Sinks that can send images render it.
	QR string
	At time.Time
}

// Message renders the alert as plain text.
func (a Alert) Message() string {
	if a.Text == "" {
		return a.Title
	}
	return a.Title + "\n" + a.Text
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

type NotifierConfig struct {
	Sinks     []Sink
	Timeout   time.Duration // per sink call, default 15s
	QueueSize int           // default 64
	Logger    *slog.Logger
}

// Notifier queues alerts from the EventBus and delivers them on its own
// goroutine, so a slow or failing sink never blocks an emitter.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	queue   chan Alert
	logger  *slog.Logger

	mu           sync.Mutex
	pairingRound int
}

func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Notifier{
		sinks:   cfg.Sinks,
		timeout: cfg.Timeout,
		queue:   make(chan Alert, cfg.QueueSize),
		logger:  cfg.Logger,
	}
}

// Attach subscribes the notifier to the relevant event types.
func (n *Notifier) Attach(eb *bus.EventBus) {
	eb.On(bus.EventSessionState, n.onEvent)
	eb.On(bus.EventSessionPairing, n.onEvent)
	eb.On(bus.EventDeliveryFailed, n.onEvent)
}

func (n *Notifier) onEvent(e bus.Event) {
	a, ok := n.alertFor(e)
	if !ok {
		return
	}
	select {
	case n.queue <- a:
	default:
		n.logger.Warn("notify queue full, alert dropped", "kind", a.Kind)
	}
}

// alertFor maps an event to an alert. Pairing codes rotate every few seconds
// so only the first code of each pairing round is announced.
func (n *Notifier) alertFor(e bus.Event) (Alert, bool) {
	a := Alert{At: e.Timestamp}
	if a.At.IsZero() {
		a.At = time.Now()
	}

	switch e.Type {
	case bus.EventSessionPairing:
		round, _ := e.Payload["attempt"].(int)
		n.mu.Lock()
		fresh := round != n.pairingRound
		n.pairingRound = round
		n.mu.Unlock()
		if !fresh {
			return a, false
		}
		code, _ := e.Payload["code"].(string)
		a.Kind = KindPairing
		a.Title = "WhatsApp pairing required"
		a.Text = fmt.Sprintf("Scan the QR code from WhatsApp > Linked devices (round %d).", round)
		if exp, ok := e.Payload["expires_at"].(time.Time); ok && !exp.IsZero() {
			a.Text += fmt.Sprintf(" The round expires at %s.", exp.Format(time.Kitchen))
		}
		a.QR = code
		return a, true

	case bus.EventSessionState:
		to, _ := e.Payload["to"].(string)
		if to != "awaiting_pairing" {
			n.mu.Lock()
			n.pairingRound = 0
			n.mu.Unlock()
		}
		if terminal, _ := e.Payload["terminal"].(bool); terminal {
			a.Kind = KindTerminated
			a.Title = "WhatsApp session disconnected"
			a.Text = "Automatic recovery gave up. Restart the session to resume relaying."
			if msg, _ := e.Payload["error"].(string); msg != "" {
				a.Text = msg + "\n" + a.Text
			}
			return a, true
		}
		switch to {
		case "connected":
			a.Kind = KindConnected
			a.Title = "WhatsApp session connected"
			return a, true
		case "reconnecting":
			if attempt, _ := e.Payload["attempt"].(int); attempt != 1 {
				return a, false
			}
			a.Kind = KindLinkLost
			a.Title = "WhatsApp link lost"
			a.Text = "Reconnecting."
			return a, true
		}
		return a, false

	case bus.EventDeliveryFailed:
		recipient, _ := e.Payload["recipient"].(string)
		attempts, _ := e.Payload["attempts"].(int)
		a.Kind = KindDeliveryFailed
		a.Title = "Reply delivery failed"
		a.Text = fmt.Sprintf("Recipient %s, %d attempts", recipient, attempts)
		if msg, _ := e.Payload["error"].(string); msg != "" {
			a.Text += ": " + msg
		}
		return a, true
	}
	return a, false
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-n.queue:
			n.deliver(ctx, a)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, a Alert) {
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		err := s.Notify(sctx, a)
		cancel()
		if err != nil {
			n.logger.Warn("notify failed", "sink", s.Name(), "kind", a.Kind, "error", err)
			continue
		}
		n.logger.Debug("notify sent", "sink", s.Name(), "kind", a.Kind)
	}
}
