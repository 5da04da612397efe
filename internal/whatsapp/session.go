package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wabridge/internal/domain"
)

const archiveTimeout = 5 * time.Second

// session is one whatsmeow client. It is discarded, never reused, once its
// link drops.
type session struct {
	client  *whatsmeow.Client
	bus     domain.MessageBus
	archive Archive
	logger  *slog.Logger

	connected chan struct{}
	connOnce  sync.Once
	lost      chan error
	lostOnce  sync.Once
	closed    atomic.Bool
}

func newSession(client *whatsmeow.Client, bus domain.MessageBus, archive Archive, logger *slog.Logger) *session {
	return &session{
		client:    client,
		bus:       bus,
		archive:   archive,
		logger:    logger,
		connected: make(chan struct{}),
		lost:      make(chan error, 1),
	}
}

func (s *session) Paired() bool {
	return s.client.Store.ID != nil
}

func (s *session) Pair(ctx context.Context, challenges chan<- domain.PairingChallenge) error {
	qr, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.client.Disconnect()
			return ctx.Err()
		case item, ok := <-qr:
			if !ok {
				return domain.ErrPairingTimeout
			}
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				now := time.Now()
				c := domain.PairingChallenge{Code: item.Code, IssuedAt: now, ExpiresAt: now.Add(item.Timeout)}
				select {
				case challenges <- c:
				case <-ctx.Done():
					s.client.Disconnect()
					return ctx.Err()
				}
			case whatsmeow.QRChannelSuccess.Event:
				s.logger.Info("device paired", "jid", s.client.Store.ID)
				return s.awaitConnected(ctx)
			case whatsmeow.QRChannelTimeout.Event:
				s.client.Disconnect()
				return domain.ErrPairingTimeout
			default:
				s.client.Disconnect()
				return fmt.Errorf("pairing failed: %s: %v", item.Event, item.Error)
			}
		}
	}
}

func (s *session) Connect(ctx context.Context) error {
	if err := s.client.Connect(); err != nil {
		return err
	}
	return s.awaitConnected(ctx)
}

func (s *session) awaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case err := <-s.lost:
		return err
	case <-ctx.Done():
		s.client.Disconnect()
		return ctx.Err()
	}
}

func (s *session) LinkLost() <-chan error { return s.lost }

func (s *session) linkLost(err error) {
	if s.closed.Load() {
		return
	}
	s.lostOnce.Do(func() { s.lost <- err })
}

func (s *session) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		s.connOnce.Do(func() { close(s.connected) })
	case *events.Disconnected:
		s.linkLost(domain.ErrSessionLinkLost)
	case *events.StreamReplaced:
		s.linkLost(errors.New("stream replaced by another client"))
	case *events.LoggedOut:
		s.linkLost(fmt.Errorf("logged out: %v", e.Reason))
	case *events.ConnectFailure:
		s.linkLost(fmt.Errorf("connect failure: %v %s", e.Reason, e.Message))
	case *events.TemporaryBan:
		s.linkLost(fmt.Errorf("temporary ban: %v", e))
	case *events.KeepAliveTimeout:
		s.logger.Warn("keepalive timeout", "errors", e.ErrorCount)
	case *events.Message:
		s.handleMessage(e)
	case *events.HistorySync:
		s.handleHistorySync(e)
	}
}

func (s *session) handleMessage(e *events.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	info := e.Info
	info.Chat = s.resolvePhone(ctx, info.Chat)
	msg := toInbound(info, e.Message, domain.ViaPush)
	s.store(ctx, msg, e.Message)
	s.bus.Publish(msg)
}

// handleHistorySync archives the batch so the poller can find messages that
// never arrived as push events.
func (s *session) handleHistorySync(e *events.HistorySync) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*archiveTimeout)
	defer cancel()

	stored := 0
	for _, conv := range e.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		chat = s.resolvePhone(ctx, chat)
		for _, hm := range conv.GetMessages() {
			wm := hm.GetMessage()
			key := wm.GetKey()
			if key.GetID() == "" || wm.GetMessage() == nil {
				continue
			}
			info := types.MessageInfo{
				MessageSource: types.MessageSource{
					Chat:     chat,
					Sender:   chat,
					IsFromMe: key.GetFromMe(),
					IsGroup:  chat.Server == types.GroupServer,
				},
				ID:        types.MessageID(key.GetID()),
				Timestamp: time.Unix(int64(wm.GetMessageTimestamp()), 0),
			}
			if p := key.GetParticipant(); p != "" {
				if sender, err := types.ParseJID(p); err == nil {
					info.Sender = sender
				}
			}
			s.store(ctx, toInbound(info, wm.GetMessage(), domain.ViaPoll), wm.GetMessage())
			stored++
		}
	}
	s.logger.Debug("history sync archived", "type", e.Data.GetSyncType().String(), "messages", stored)
}

// resolvePhone swaps a hidden-user (LID) address for its phone-number JID
// when the mapping is known.
func (s *session) resolvePhone(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer || s.client.Store.LIDs == nil {
		return jid
	}
	pn, err := s.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

func (s *session) store(ctx context.Context, msg domain.InboundMessage, m *waE2E.Message) {
	if s.archive == nil {
		return
	}
	raw, err := proto.Marshal(m)
	if err != nil {
		s.logger.Warn("cannot encode message for archive", "message_id", msg.ID, "err", err)
		raw = nil
	}
	if err := s.archive.ArchiveMessage(ctx, msg, raw); err != nil {
		s.logger.Warn("archive write failed", "message_id", msg.ID, "err", err)
	}
}

func (s *session) SendText(ctx context.Context, address, text string) error {
	jid, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if _, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("send to %s: %w", jid, err)
	}
	return nil
}

func (s *session) DownloadMedia(ctx context.Context, msg domain.InboundMessage) ([]byte, error) {
	m, ok := msg.Raw.(*waE2E.Message)
	if !ok || m == nil {
		return nil, fmt.Errorf("message %s has no downloadable media", msg.ID)
	}
	data, err := s.client.DownloadAny(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", msg.Kind, err)
	}
	return data, nil
}

var errNoArchive = errors.New("message archive disabled")

func (s *session) ListChats(ctx context.Context) ([]domain.Chat, error) {
	if s.archive == nil {
		return nil, errNoArchive
	}
	return s.archive.ListChats(ctx)
}

func (s *session) RecentMessages(ctx context.Context, chatID string, limit int) ([]domain.InboundMessage, error) {
	if s.archive == nil {
		return nil, errNoArchive
	}
	archived, err := s.archive.RecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.InboundMessage, 0, len(archived))
	for _, a := range archived {
		msg := a.Message
		if len(a.Raw) > 0 {
			var m waE2E.Message
			if err := proto.Unmarshal(a.Raw, &m); err == nil {
				msg.Raw = &m
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.client.Disconnect()
}
