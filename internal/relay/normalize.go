// Package relay implements the per-message pipeline: normalization,
// eligibility filtering, deduplication, forwarding and reply hand-off, plus the
// polling fallback that feeds the same pipeline.
package relay

import (
	"fmt"
	"strings"

	"wabridge/internal/domain"
)

// Normalizer turns network sender identifiers into canonical +E.164 phones.
type Normalizer struct {
	countryCode    string
	domesticLength int
}

// NewNormalizer creates a Normalizer. Numbers of exactly domesticLength digits
// that do not already start with countryCode get it prepended.
func NewNormalizer(countryCode string, domesticLength int) *Normalizer {
	countryCode = digitsOnly(countryCode)
	if countryCode == "" {
		countryCode = "55"
	}
	if domesticLength <= 0 {
		domesticLength = 11
	}
	return &Normalizer{countryCode: countryCode, domesticLength: domesticLength}
}

// Normalize strips the network suffix and any device qualifier, keeps digits
// only and adds the default country code to domestic numbers. An explicit
// leading "+" marks the number as already international.
func (n *Normalizer) Normalize(sourceID string) (domain.CanonicalSender, error) {
	raw := strings.TrimSpace(sourceID)
	if raw == "" {
		return domain.CanonicalSender{}, fmt.Errorf("%w: empty identifier", domain.ErrInvalidAddress)
	}
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[:i]
	}

	international := strings.HasPrefix(strings.TrimSpace(raw), "+")
	digits := digitsOnly(raw)
	if digits == "" {
		return domain.CanonicalSender{}, fmt.Errorf("%w: no digits in %q", domain.ErrInvalidAddress, sourceID)
	}

	if !international && !strings.HasPrefix(digits, n.countryCode) && len(digits) == n.domesticLength {
		digits = n.countryCode + digits
	}
	return domain.CanonicalSender{E164: "+" + digits}, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
