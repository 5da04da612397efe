package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wabridge/internal/domain"
	"wabridge/internal/store"
)

func directInfo(user string) types.MessageInfo {
	chat := types.NewJID(user, types.DefaultUserServer)
	return types.MessageInfo{
		MessageSource: types.MessageSource{Chat: chat, Sender: chat},
		ID:            "3EB0ABC",
		Timestamp:     time.Unix(1700000000, 0),
	}
}

func TestToInbound_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		msg      *waE2E.Message
		kind     domain.Kind
		body     string
		mime     string
		fileName string
	}{
		{"conversation", &waE2E.Message{Conversation: proto.String("Gastei 50 reais")}, domain.KindText, "Gastei 50 reais", "", ""},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("oi")}}, domain.KindText, "oi", "", ""},
		{"voice", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg; codecs=opus")}}, domain.KindVoice, "", "audio/ogg; codecs=opus", ""},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String(" nota "), Mimetype: proto.String("image/jpeg")}}, domain.KindImage, "nota", "image/jpeg", ""},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("extrato.pdf"), Mimetype: proto.String("application/pdf")}}, domain.KindDocument, "", "application/pdf", "extrato.pdf"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, domain.KindOther, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toInbound(directInfo("5511999990000"), tt.msg, domain.ViaPush)
			if got.Kind != tt.kind || got.Body != tt.body || got.MimeType != tt.mime || got.FileName != tt.fileName {
				t.Errorf("got kind=%s body=%q mime=%q file=%q", got.Kind, got.Body, got.MimeType, got.FileName)
			}
			if got.SourceID != "5511999990000@s.whatsapp.net" || got.ID != "3EB0ABC" || got.Via != domain.ViaPush {
				t.Errorf("unexpected addressing: %+v", got)
			}
			if got.Raw != tt.msg {
				t.Error("raw message should be kept for media download")
			}
		})
	}
}

func TestToInbound_GroupUsesSender(t *testing.T) {
	info := types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:    types.NewJID("120363000000", types.GroupServer),
			Sender:  types.NewJID("5511999990000", types.DefaultUserServer),
			IsGroup: true,
		},
		ID: "X",
	}
	got := toInbound(info, &waE2E.Message{Conversation: proto.String("oi")}, domain.ViaPush)
	if !got.IsGroup || got.SourceID != "5511999990000@s.whatsapp.net" || got.ChatID != "120363000000@g.us" {
		t.Errorf("unexpected group mapping: %+v", got)
	}
	if got.ReceivedAt.IsZero() {
		t.Error("missing timestamp should default to now")
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"5511999990000@c.us", "5511999990000@s.whatsapp.net"},
		{"5511999990000@s.whatsapp.net", "5511999990000@s.whatsapp.net"},
		{"+55 11 99999-0000", "5511999990000@s.whatsapp.net"},
		{"120363000000@g.us", "120363000000@g.us"},
	}
	for _, tt := range tests {
		jid, err := ParseAddress(tt.in)
		if err != nil {
			t.Errorf("ParseAddress(%q): %v", tt.in, err)
			continue
		}
		if jid.String() != tt.want {
			t.Errorf("ParseAddress(%q) = %s, want %s", tt.in, jid, tt.want)
		}
	}

	for _, bad := range []string{"", "   ", "abc", "@s.whatsapp.net"} {
		if _, err := ParseAddress(bad); !errors.Is(err, domain.ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q) err = %v, want ErrInvalidAddress", bad, err)
		}
	}
}

func TestLogger_RoutesLevels(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := NewLogger(base, "whatsmeow").Sub("Client")

	l.Infof("chatty %d", 1)
	l.Warnf("careful %s", "now")
	l.Errorf("broken")

	out := buf.String()
	if strings.Contains(out, "chatty") {
		t.Error("Infof should log at debug")
	}
	if !strings.Contains(out, "careful now") || !strings.Contains(out, "broken") {
		t.Errorf("missing warn/error lines: %s", out)
	}
	if !strings.Contains(out, "module=whatsmeow") || !strings.Contains(out, "sub=Client") {
		t.Errorf("missing module attrs: %s", out)
	}
}

// --- session event handling without a live client ---

type fakeBus struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (b *fakeBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}
func (b *fakeBus) Subscribe() <-chan domain.InboundMessage { return nil }
func (b *fakeBus) Len() int                                { return 0 }
func (b *fakeBus) Close()                                  {}

type fakeArchive struct {
	mu       sync.Mutex
	archived []domain.InboundMessage
	raws     [][]byte
	recent   []store.ArchivedMessage
}

func (a *fakeArchive) ArchiveMessage(ctx context.Context, msg domain.InboundMessage, raw []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, msg)
	a.raws = append(a.raws, raw)
	return nil
}

func (a *fakeArchive) ListChats(ctx context.Context) ([]domain.Chat, error) {
	return []domain.Chat{{ID: "5511999990000@s.whatsapp.net"}}, nil
}

func (a *fakeArchive) RecentMessages(ctx context.Context, chatID string, limit int) ([]store.ArchivedMessage, error) {
	return a.recent, nil
}

func testSession(b domain.MessageBus, a Archive) *session {
	return newSession(nil, b, a, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func TestSession_MessageEventIsArchivedAndPublished(t *testing.T) {
	b, a := &fakeBus{}, &fakeArchive{}
	s := testSession(b, a)

	m := &waE2E.Message{Conversation: proto.String("Gastei 50 reais")}
	s.handleEvent(&events.Message{Info: directInfo("5511999990000"), Message: m})

	if len(b.msgs) != 1 || b.msgs[0].Body != "Gastei 50 reais" || b.msgs[0].Via != domain.ViaPush {
		t.Fatalf("published = %+v", b.msgs)
	}
	if len(a.archived) != 1 || len(a.raws[0]) == 0 {
		t.Fatalf("message should be archived with its raw encoding: %+v", a.archived)
	}
	var decoded waE2E.Message
	if err := proto.Unmarshal(a.raws[0], &decoded); err != nil || decoded.GetConversation() != "Gastei 50 reais" {
		t.Errorf("raw does not round-trip: %v", err)
	}
}

func TestSession_LinkLostOnce(t *testing.T) {
	s := testSession(&fakeBus{}, &fakeArchive{})

	s.handleEvent(&events.StreamReplaced{})
	s.handleEvent(&events.Disconnected{})

	select {
	case err := <-s.LinkLost():
		if err == nil || !strings.Contains(err.Error(), "stream replaced") {
			t.Errorf("first cause should win, got %v", err)
		}
	default:
		t.Fatal("link loss not signalled")
	}
	select {
	case err := <-s.LinkLost():
		t.Errorf("link loss must be signalled once, got %v", err)
	default:
	}
}

func TestSession_LinkLostIgnoredAfterClose(t *testing.T) {
	s := testSession(&fakeBus{}, &fakeArchive{})
	s.closed.Store(true)
	s.handleEvent(&events.Disconnected{})

	select {
	case err := <-s.LinkLost():
		t.Errorf("closed session should not report link loss: %v", err)
	default:
	}
}

func TestSession_AwaitConnected(t *testing.T) {
	s := testSession(&fakeBus{}, &fakeArchive{})
	s.handleEvent(&events.Connected{})
	s.handleEvent(&events.Connected{})

	if err := s.awaitConnected(context.Background()); err != nil {
		t.Fatalf("awaitConnected: %v", err)
	}
}

func TestSession_RecentMessagesDecodesRaw(t *testing.T) {
	raw, err := proto.Marshal(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg")}})
	if err != nil {
		t.Fatal(err)
	}
	a := &fakeArchive{recent: []store.ArchivedMessage{
		{Message: domain.InboundMessage{ID: "v1", Kind: domain.KindVoice}, Raw: raw},
		{Message: domain.InboundMessage{ID: "t1", Kind: domain.KindText, Body: "oi"}},
	}}
	s := testSession(&fakeBus{}, a)

	msgs, err := s.RecentMessages(context.Background(), "chat", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m, ok := msgs[0].Raw.(*waE2E.Message)
	if !ok || m.GetAudioMessage().GetMimetype() != "audio/ogg" {
		t.Errorf("raw media message not restored: %#v", msgs[0].Raw)
	}
	if msgs[1].Raw != nil {
		t.Errorf("text message without raw should have nil Raw, got %#v", msgs[1].Raw)
	}
}

func TestSession_DownloadMediaRequiresRaw(t *testing.T) {
	s := testSession(&fakeBus{}, &fakeArchive{})
	if _, err := s.DownloadMedia(context.Background(), domain.InboundMessage{ID: "x"}); err == nil {
		t.Fatal("expected error for message without raw payload")
	}
}

func TestSession_WithoutArchive(t *testing.T) {
	b := &fakeBus{}
	s := testSession(b, nil)

	s.handleEvent(&events.Message{Info: directInfo("5511999990000"), Message: &waE2E.Message{Conversation: proto.String("oi")}})
	if len(b.msgs) != 1 {
		t.Fatalf("push should still be published without an archive, got %d", len(b.msgs))
	}
	if _, err := s.ListChats(context.Background()); err == nil {
		t.Error("ListChats should fail without an archive")
	}
	if _, err := s.RecentMessages(context.Background(), "5511999990000@s.whatsapp.net", 5); err == nil {
		t.Error("RecentMessages should fail without an archive")
	}
}
