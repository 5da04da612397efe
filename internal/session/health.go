package session

import (
	"time"

	"wabridge/internal/domain"
)

// Health is a point-in-time view of the session for monitoring.
type Health struct {
	Connected         bool      `json:"connected"`
	SessionExists     bool      `json:"session_exists"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	AsOf              time.Time `json:"as_of"`
	State             string    `json:"state"`
}

// HealthReporter exposes the manager read-only.
type HealthReporter struct {
	m *Manager
}

func NewHealthReporter(m *Manager) *HealthReporter {
	return &HealthReporter{m: m}
}

func (h *HealthReporter) Snapshot() Health {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return Health{
		Connected:         h.m.state == domain.StateConnected,
		SessionExists:     h.m.session != nil,
		ReconnectAttempts: h.m.attempt,
		AsOf:              time.Now().UTC(),
		State:             h.m.state.String(),
	}
}
