package relay

import (
	"testing"

	"wabridge/internal/domain"
)

func TestFilter_Rules(t *testing.T) {
	f := NewFilter()
	base := domain.InboundMessage{SourceID: "5511999990000@c.us", Kind: domain.KindText, Body: "oi"}

	tests := []struct {
		name   string
		mutate func(m *domain.InboundMessage)
		reason string
		ok     bool
	}{
		{"accept text", func(m *domain.InboundMessage) {}, "", true},
		{"group", func(m *domain.InboundMessage) { m.IsGroup = true }, RejectGroup, false},
		{"self", func(m *domain.InboundMessage) { m.IsSelf = true }, RejectSelf, false},
		{"group wins over self", func(m *domain.InboundMessage) { m.IsGroup, m.IsSelf = true, true }, RejectGroup, false},
		{"broadcast", func(m *domain.InboundMessage) { m.SourceID = domain.BroadcastAddress }, RejectBroadcast, false},
		{"empty text", func(m *domain.InboundMessage) { m.Body = "" }, RejectEmptyText, false},
		{"whitespace text", func(m *domain.InboundMessage) { m.Body = "  " }, RejectEmptyText, false},
		{"empty voice", func(m *domain.InboundMessage) { m.Kind, m.Body = domain.KindVoice, "" }, "", true},
		{"image without caption", func(m *domain.InboundMessage) { m.Kind, m.Body = domain.KindImage, "" }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			tt.mutate(&m)
			reason, ok := f.Check(m)
			if ok != tt.ok || reason != tt.reason {
				t.Errorf("Check = (%q, %v), want (%q, %v)", reason, ok, tt.reason, tt.ok)
			}
			if f.IsEligible(m) != tt.ok {
				t.Errorf("IsEligible disagrees with Check")
			}
		})
	}
}

func TestFilter_GroupAlwaysRejected(t *testing.T) {
	f := NewFilter()
	for _, kind := range []domain.Kind{domain.KindText, domain.KindVoice, domain.KindImage, domain.KindDocument, domain.KindOther} {
		for _, self := range []bool{false, true} {
			for _, body := range []string{"", "oi", "  "} {
				m := domain.InboundMessage{SourceID: "x@g.us", IsGroup: true, IsSelf: self, Kind: kind, Body: body}
				if f.IsEligible(m) {
					t.Fatalf("group message accepted: %+v", m)
				}
			}
		}
	}
}
