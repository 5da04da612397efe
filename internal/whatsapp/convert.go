package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"wabridge/internal/domain"
)

// toInbound maps a whatsmeow message onto the relay's candidate event. The
// reply address of a direct chat is the chat itself.
func toInbound(info types.MessageInfo, m *waE2E.Message, via domain.Via) domain.InboundMessage {
	source := info.Chat
	if info.IsGroup {
		source = info.Sender
	}
	msg := domain.InboundMessage{
		ID:         string(info.ID),
		SourceID:   source.ToNonAD().String(),
		ChatID:     info.Chat.String(),
		IsGroup:    info.IsGroup,
		IsSelf:     info.IsFromMe,
		ReceivedAt: info.Timestamp,
		Via:        via,
		Raw:        m,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	switch {
	case m.GetConversation() != "":
		msg.Kind = domain.KindText
		msg.Body = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		msg.Kind = domain.KindText
		msg.Body = m.GetExtendedTextMessage().GetText()
	case m.GetAudioMessage() != nil:
		msg.Kind = domain.KindVoice
		msg.MimeType = m.GetAudioMessage().GetMimetype()
	case m.GetImageMessage() != nil:
		im := m.GetImageMessage()
		msg.Kind = domain.KindImage
		msg.Body = strings.TrimSpace(im.GetCaption())
		msg.MimeType = im.GetMimetype()
	case m.GetDocumentMessage() != nil:
		d := m.GetDocumentMessage()
		msg.Kind = domain.KindDocument
		msg.Body = strings.TrimSpace(d.GetCaption())
		msg.MimeType = d.GetMimetype()
		msg.FileName = d.GetFileName()
		if msg.FileName == "" {
			msg.FileName = d.GetTitle()
		}
	case m.GetDocumentWithCaptionMessage().GetMessage().GetDocumentMessage() != nil:
		return toInbound(info, m.GetDocumentWithCaptionMessage().GetMessage(), via)
	default:
		msg.Kind = domain.KindOther
	}
	return msg
}

// ParseAddress turns a network address or bare phone into a JID. The legacy
// "@c.us" suffix maps to the native user server.
func ParseAddress(address string) (types.JID, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.EmptyJID, fmt.Errorf("%w: empty address", domain.ErrInvalidAddress)
	}
	if !strings.Contains(address, "@") {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, address)
		if digits == "" {
			return types.EmptyJID, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
		}
		return types.NewJID(digits, types.DefaultUserServer), nil
	}
	if user, ok := strings.CutSuffix(address, "@c.us"); ok {
		address = user + "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(address)
	if err != nil || jid.User == "" {
		return types.EmptyJID, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}
	return jid, nil
}
