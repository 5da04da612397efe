package relay

import (
	"context"
	"testing"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
)

type fakeSource struct {
	chats    []domain.Chat
	messages map[string][]domain.InboundMessage
	err      error
}

func (s *fakeSource) ListChats(ctx context.Context) ([]domain.Chat, error) {
	return s.chats, s.err
}

func (s *fakeSource) RecentMessages(ctx context.Context, chatID string, limit int) ([]domain.InboundMessage, error) {
	msgs := s.messages[chatID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func drain(b *bus.InMemoryBus) []domain.InboundMessage {
	var out []domain.InboundMessage
	for b.Len() > 0 {
		out = append(out, <-b.Subscribe())
	}
	return out
}

func TestPoller_PublishesUnseenMessages(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		chats: []domain.Chat{
			{ID: "5511999990000@c.us"},
			{ID: "120363@g.us", IsGroup: true},
		},
		messages: map[string][]domain.InboundMessage{
			"5511999990000@c.us": {
				{ID: "a", SourceID: "5511999990000@c.us", Body: "oi", Kind: domain.KindText, ReceivedAt: now},
				{ID: "b", SourceID: "5511999990000@c.us", Body: "eu", Kind: domain.KindText, IsSelf: true, ReceivedAt: now},
				{ID: "", SourceID: "5511999990000@c.us", Body: "sem id", Kind: domain.KindText, ReceivedAt: now},
				{ID: "c", SourceID: "5511999990000@c.us", Body: "seen", Kind: domain.KindText, ReceivedAt: now},
			},
			"120363@g.us": {
				{ID: "g", SourceID: "120363@g.us", Body: "grupo", IsGroup: true, ReceivedAt: now},
			},
		},
	}
	dedup := NewDedupTracker(100)
	dedup.SeenBefore("c")
	b := bus.New(10, testLogger())
	p := NewPoller(PollerConfig{Source: src, Bus: b, Dedup: dedup, Limit: 10, Logger: testLogger()})

	if n := p.Poll(context.Background()); n != 1 {
		t.Fatalf("published %d, want 1", n)
	}
	got := drain(b)
	if len(got) != 1 || got[0].ID != "a" || got[0].Via != domain.ViaPoll {
		t.Fatalf("published %+v", got)
	}
	if !dedup.Contains("b") {
		t.Error("self messages should be marked seen")
	}
	if dedup.Contains("a") {
		t.Error("the poller must leave marking to the pipeline")
	}
}

func TestPoller_SkipsHistoryBeforeCutoff(t *testing.T) {
	cutoff := time.Now()
	src := &fakeSource{
		chats: []domain.Chat{{ID: "1@c.us"}},
		messages: map[string][]domain.InboundMessage{
			"1@c.us": {
				{ID: "old", SourceID: "1@c.us", Body: "x", ReceivedAt: cutoff.Add(-time.Hour)},
				{ID: "new", SourceID: "1@c.us", Body: "y", ReceivedAt: cutoff.Add(time.Second)},
			},
		},
	}
	b := bus.New(10, testLogger())
	p := NewPoller(PollerConfig{
		Source: src, Bus: b, Dedup: NewDedupTracker(10), Logger: testLogger(),
		Since: func() time.Time { return cutoff },
	})

	p.Poll(context.Background())
	got := drain(b)
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("published %+v", got)
	}
}

func TestPoller_NotConnected(t *testing.T) {
	src := &fakeSource{err: domain.ErrNotConnected}
	b := bus.New(10, testLogger())
	p := NewPoller(PollerConfig{Source: src, Bus: b, Dedup: NewDedupTracker(10), Logger: testLogger()})

	if n := p.Poll(context.Background()); n != 0 {
		t.Errorf("published %d while disconnected", n)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	b := bus.New(10, testLogger())
	p := NewPoller(PollerConfig{Source: src, Bus: b, Dedup: NewDedupTracker(10), Interval: time.Millisecond, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
