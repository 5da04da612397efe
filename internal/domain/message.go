package domain

import "time"

// Kind is the content type of an inbound message.
type Kind string

const (
	KindText     Kind = "text"
	KindVoice    Kind = "voice"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// Binary reports whether the kind carries a media payload.
func (k Kind) Binary() bool {
	return k == KindVoice || k == KindImage || k == KindDocument
}

// Via records how a message was discovered.
type Via string

const (
	ViaPush Via = "push"
	ViaPoll Via = "poll"
)

// BroadcastAddress is the status/broadcast pseudo-sender.
const BroadcastAddress = "status@broadcast"

// InboundMessage is a candidate inbound event, regardless of whether it arrived
// through a push callback or was discovered by polling.
type InboundMessage struct {
	ID         string    // network message id; empty on some delivery paths
	SourceID   string    // network-native sender address, used for replies
	ChatID     string    // conversation the message belongs to
	Body       string    // text, or caption for media
	Kind       Kind
	IsGroup    bool
	IsSelf     bool
	ReceivedAt time.Time
	Via        Via
	MimeType   string
	FileName   string
	Raw        any // driver-specific handle for media download
}

// CanonicalSender is the +E.164 phone used as the backend account key.
type CanonicalSender struct {
	E164 string
}

func (c CanonicalSender) String() string { return c.E164 }

// Chat is a conversation listed by the session during polling.
type Chat struct {
	ID           string
	IsGroup      bool
	LastActivity time.Time
}
