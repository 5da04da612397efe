package domain

import (
	"fmt"
	"time"
)

// OutcomeKind classifies the result of forwarding a message to the backend.
type OutcomeKind int

const (
	OutcomeReplied OutcomeKind = iota
	OutcomeAccepted
	OutcomeUserNotRegistered
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReplied:
		return "replied"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeUserNotRegistered:
		return "user_not_registered"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the structured result of WebhookClient.Forward.
type Outcome struct {
	Kind       OutcomeKind
	Text       string // reply text for Replied and UserNotRegistered
	Reason     string // failure detail
	StatusCode int    // 0 when no HTTP response was received
}

// Failed reports whether the backend call did not succeed.
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeTransientFailure || o.Kind == OutcomePermanentFailure
}

// Err maps the outcome onto the error taxonomy. Replied and Accepted yield nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeTransientFailure:
		return fmt.Errorf("%w: %s", ErrTransientBackend, o.Reason)
	case OutcomePermanentFailure:
		return fmt.Errorf("%w: %s", ErrPermanentBackend, o.Reason)
	case OutcomeUserNotRegistered:
		return ErrUnregisteredUser
	default:
		return nil
	}
}

// DeliveryTask is a reply waiting to be sent to a user.
type DeliveryTask struct {
	Recipient    string
	Text         string
	AttemptCount int
	MaxAttempts  int
	CreatedAt    time.Time
}

// RelayRecord is one journal row describing how a message was handled.
type RelayRecord struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	MessageID string    `json:"message_id"`
	SourceID  string    `json:"source_id"`
	Phone     string    `json:"phone"`
	Kind      string    `json:"kind"`
	Via       string    `json:"via"`
	Outcome   string    `json:"outcome"`
	Delivered bool      `json:"delivered"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ForwardRequest is what the pipeline hands to the backend webhook.
type ForwardRequest struct {
	RequestID  string
	From       CanonicalSender
	Body       string
	Kind       Kind
	ReceivedAt time.Time
	Media      []byte
	MimeType   string
	FileName   string
}
