// Package delivery sends reply text back to users with a bounded, flat retry.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"

	"golang.org/x/time/rate"
)

// TextSender is the network send capability.
type TextSender interface {
	SendText(ctx context.Context, address, text string) error
}

// QueueConfig configures the delivery queue.
type QueueConfig struct {
	Sender        TextSender
	MaxAttempts   int
	RetryInterval time.Duration

	// RatePerSecond paces outbound sends across all recipients. Zero disables pacing.
	RatePerSecond float64
	Events        *bus.EventBus
	Logger        *slog.Logger
}

// Queue delivers replies. Each task is attempted immediately, then retried
// after a fixed interval until MaxAttempts is reached.
type Queue struct {
	sender      TextSender
	maxAttempts int
	interval    time.Duration
	limiter     *rate.Limiter
	events      *bus.EventBus
	logger      *slog.Logger

	wait func(ctx context.Context, d time.Duration) error
}

func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Queue{
		sender:      cfg.Sender,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.RetryInterval,
		limiter:     limiter,
		events:      cfg.Events,
		logger:      cfg.Logger,
		wait:        sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send delivers text to recipient and reports whether it succeeded.
func (q *Queue) Send(ctx context.Context, recipient, text string) bool {
	return q.Enqueue(ctx, domain.DeliveryTask{
		Recipient:   recipient,
		Text:        text,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   time.Now(),
	})
}

// Enqueue runs task to completion. A task that exhausts its attempts is
// logged and discarded.
func (q *Queue) Enqueue(ctx context.Context, task domain.DeliveryTask) bool {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.maxAttempts
	}
	log := q.logger.With("recipient", task.Recipient)

	var lastErr error
	for task.AttemptCount < task.MaxAttempts {
		if task.AttemptCount > 0 {
			if err := q.wait(ctx, q.interval); err != nil {
				lastErr = err
				break
			}
		}
		if err := q.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		task.AttemptCount++
		err := q.sender.SendText(ctx, task.Recipient, task.Text)
		if err == nil {
			metrics.RepliesSent.Inc()
			log.Info("reply delivered", "attempt", task.AttemptCount, "chars", len([]rune(task.Text)))
			return true
		}
		lastErr = err
		if errors.Is(err, domain.ErrNotConnected) {
			log.Warn("send failed, session link down", "attempt", task.AttemptCount, "max_attempts", task.MaxAttempts, "err", err)
			continue
		}
		log.Warn("send failed", "attempt", task.AttemptCount, "max_attempts", task.MaxAttempts, "err", err)
	}

	metrics.DeliveryFailures.Inc()
	log.Error("delivery abandoned",
		"attempts", task.AttemptCount,
		"age", time.Since(task.CreatedAt).Round(time.Millisecond),
		"err", lastErr,
	)
	if q.events != nil {
		q.events.Emit(bus.Event{
			Type:   bus.EventDeliveryFailed,
			Source: "delivery",
			Payload: map[string]any{
				"recipient": task.Recipient,
				"attempts":  task.AttemptCount,
				"error":     errString(lastErr),
			},
		})
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
