package relay

import (
	"strings"

	"wabridge/internal/domain"
)

// Rejection reasons reported by Filter.Check.
const (
	RejectGroup     = "group"
	RejectSelf      = "self"
	RejectBroadcast = "broadcast"
	RejectEmptyText = "empty_text"
)

// Filter decides whether an inbound message may be forwarded. It has no state
// and is shared by the push and polling paths.
type Filter struct{}

func NewFilter() *Filter { return &Filter{} }

// IsEligible reports whether msg passes every rule.
func (f *Filter) IsEligible(msg domain.InboundMessage) bool {
	_, ok := f.Check(msg)
	return ok
}

// Check applies the rules in order and returns the first rejection reason.
func (f *Filter) Check(msg domain.InboundMessage) (string, bool) {
	switch {
	case msg.IsGroup:
		return RejectGroup, false
	case msg.IsSelf:
		return RejectSelf, false
	case msg.SourceID == domain.BroadcastAddress:
		return RejectBroadcast, false
	case msg.Kind == domain.KindText && strings.TrimSpace(msg.Body) == "":
		return RejectEmptyText, false
	}
	return "", true
}
