package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

// ChatSource lists conversations and their recent messages.
type ChatSource interface {
	ListChats(ctx context.Context) ([]domain.Chat, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]domain.InboundMessage, error)
}

// PollerConfig configures the polling fallback.
type PollerConfig struct {
	Source   ChatSource
	Bus      domain.MessageBus
	Dedup    *DedupTracker
	Interval time.Duration
	Limit    int // messages fetched per chat

	// Since returns the oldest receive time worth forwarding. Messages older
	// than that are history and are ignored. Zero disables the cutoff.
	Since  func() time.Time
	Logger *slog.Logger
}

// Poller periodically lists chats and publishes messages the push path missed.
type Poller struct {
	source   ChatSource
	bus      domain.MessageBus
	dedup    *DedupTracker
	interval time.Duration
	limit    int
	since    func() time.Time
	logger   *slog.Logger
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Since == nil {
		cfg.Since = func() time.Time { return time.Time{} }
	}
	return &Poller{
		source:   cfg.Source,
		bus:      cfg.Bus,
		dedup:    cfg.Dedup,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		since:    cfg.Since,
		logger:   cfg.Logger,
	}
}

// Run polls on a fixed interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("polling fallback started", "interval", p.interval, "limit", p.limit)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("polling fallback stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one cycle and returns how many messages were published.
func (p *Poller) Poll(ctx context.Context) int {
	chats, err := p.source.ListChats(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			p.logger.Debug("poll skipped: not connected")
		} else {
			p.logger.Warn("poll: list chats failed", "err", err)
		}
		return 0
	}

	cutoff := p.since()
	published := 0
	for _, chat := range chats {
		if chat.IsGroup {
			continue
		}
		msgs, err := p.source.RecentMessages(ctx, chat.ID, p.limit)
		if err != nil {
			p.logger.Warn("poll: recent messages failed", "chat", chat.ID, "err", err)
			continue
		}
		for _, m := range msgs {
			if m.ID == "" {
				// Without an id every cycle would forward it again.
				continue
			}
			if m.IsSelf {
				p.dedup.SeenBefore(m.ID)
				continue
			}
			if !cutoff.IsZero() && m.ReceivedAt.Before(cutoff) {
				continue
			}
			if p.dedup.Contains(m.ID) {
				continue
			}
			m.Via = domain.ViaPoll
			p.bus.Publish(m)
			published++
		}
	}
	if published > 0 {
		metrics.PolledTotal.Add(int64(published))
		p.logger.Info("poll found unprocessed messages", "count", published)
	}
	return published
}
