package domain

import (
	"context"
	"time"
)

// SessionState is the lifecycle state of the messaging session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingPairing
	StateConnected
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// PairingChallenge is a one-time code the operator must scan to link the device.
type PairingChallenge struct {
	Code      string
	Attempt   int
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Session is one underlying connection to the messaging network. A Session is
// never reused after Close; reconnecting creates a new one.
type Session interface {
	// Paired reports whether the session holds stored credentials.
	Paired() bool

	// Pair connects an unpaired session and writes each pairing code to
	// challenges until the device is linked (nil), the context ends, or the
	// code rotation is exhausted.
	Pair(ctx context.Context, challenges chan<- PairingChallenge) error

	// Connect establishes the link for a paired session and blocks until it
	// is usable or fails.
	Connect(ctx context.Context) error

	// LinkLost is closed or written to once the established link drops.
	LinkLost() <-chan error

	SendText(ctx context.Context, address, text string) error
	DownloadMedia(ctx context.Context, msg InboundMessage) ([]byte, error)
	ListChats(ctx context.Context) ([]Chat, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]InboundMessage, error)

	Close()
}

// SessionFactory creates fresh Session objects. Inbound push events are
// published on the bus handed to Open.
type SessionFactory interface {
	Open(ctx context.Context, bus MessageBus) (Session, error)
}
