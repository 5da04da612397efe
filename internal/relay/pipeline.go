package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"

	"github.com/google/uuid"
)

// Forwarder sends a message to the backend and classifies the answer.
type Forwarder interface {
	Forward(ctx context.Context, req domain.ForwardRequest) domain.Outcome
}

// Deliverer sends reply text to a network address with retries.
type Deliverer interface {
	Send(ctx context.Context, recipient, text string) bool
}

// MediaSource downloads the payload of voice, image and document messages.
type MediaSource interface {
	DownloadMedia(ctx context.Context, msg domain.InboundMessage) ([]byte, error)
}

// Recorder persists one row per handled message.
type Recorder interface {
	RecordOutcome(ctx context.Context, rec domain.RelayRecord) error
}

// Replies holds the fixed texts sent when the backend fails.
type Replies struct {
	Apology      string
	VoiceApology string
}

// PipelineConfig wires the pipeline stages.
type PipelineConfig struct {
	Normalizer *Normalizer
	Filter     *Filter
	Dedup      *DedupTracker
	Forwarder  Forwarder
	Delivery   Deliverer
	Media      MediaSource // optional
	Recorder   Recorder    // optional
	Events     *bus.EventBus

	// DedupPush applies the seen-set check to push events as well as polled ones.
	DedupPush      bool
	AllowedSenders []string
	Replies        Replies
	Logger         *slog.Logger
}

// Pipeline processes one candidate inbound event from filter to reply.
type Pipeline struct {
	normalizer *Normalizer
	filter     *Filter
	dedup      *DedupTracker
	forwarder  Forwarder
	delivery   Deliverer
	media      MediaSource
	recorder   Recorder
	events     *bus.EventBus
	dedupPush  bool
	polled     *DedupTracker // ids forwarded via poll, only without DedupPush
	allowed    map[string]bool
	replies    Replies
	logger     *slog.Logger
}

// Default reply texts.
const (
	DefaultApology      = "❌ Erro temporário. Tente novamente em alguns segundos."
	DefaultVoiceApology = "❌ Erro ao processar áudio. Tente enviar como texto."
)

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = NewNormalizer("55", 11)
	}
	if cfg.Filter == nil {
		cfg.Filter = NewFilter()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewDedupTracker(1000)
	}
	if cfg.Replies.Apology == "" {
		cfg.Replies.Apology = DefaultApology
	}
	if cfg.Replies.VoiceApology == "" {
		cfg.Replies.VoiceApology = DefaultVoiceApology
	}

	p := &Pipeline{
		normalizer: cfg.Normalizer,
		filter:     cfg.Filter,
		dedup:      cfg.Dedup,
		forwarder:  cfg.Forwarder,
		delivery:   cfg.Delivery,
		media:      cfg.Media,
		recorder:   cfg.Recorder,
		events:     cfg.Events,
		dedupPush:  cfg.DedupPush,
		replies:    cfg.Replies,
		logger:     cfg.Logger,
	}
	if !cfg.DedupPush {
		p.polled = NewDedupTracker(cfg.Dedup.Capacity())
	}
	if len(cfg.AllowedSenders) > 0 {
		p.allowed = make(map[string]bool, len(cfg.AllowedSenders))
		for _, s := range cfg.AllowedSenders {
			c, err := cfg.Normalizer.Normalize(s)
			if err != nil {
				cfg.Logger.Warn("ignoring invalid allowed sender", "value", s, "err", err)
				continue
			}
			p.allowed[c.E164] = true
		}
	}
	return p
}

// Dedup exposes the shared seen-set so the poller can skip known ids.
func (p *Pipeline) Dedup() *DedupTracker { return p.dedup }

// Drop reasons reported in Result.Dropped.
const (
	DropInvalidAddress = "invalid_address"
	DropNotAllowed     = "not_allowed"
	DropDuplicate      = "duplicate"
	DropUnsupported    = "unsupported_kind"
)

// Result summarizes what Handle did with a message.
type Result struct {
	RequestID string
	Dropped   string // empty when the message reached the backend
	Phone     string
	Outcome   domain.Outcome
	Reply     string
	Delivered bool
}

// Handle runs the full pipeline for msg. It never returns an error: every
// per-message failure is logged and absorbed here.
func (p *Pipeline) Handle(ctx context.Context, msg domain.InboundMessage) Result {
	res := Result{RequestID: uuid.NewString()}
	log := p.logger.With("request_id", res.RequestID, "message_id", msg.ID, "source", msg.SourceID, "via", msg.Via)
	metrics.InboundTotal(string(msg.Via)).Inc()

	if reason, ok := p.filter.Check(msg); !ok {
		metrics.FilteredTotal.Inc()
		log.Debug("message filtered", "reason", reason)
		p.markSeen(msg.ID)
		res.Dropped = "filter:" + reason
		return res
	}

	sender, err := p.normalizer.Normalize(msg.SourceID)
	if err != nil {
		metrics.InvalidTotal.Inc()
		log.Warn("dropping message", "err", err)
		res.Dropped = DropInvalidAddress
		return res
	}
	res.Phone = sender.E164
	log = log.With("phone", sender.E164)

	if p.allowed != nil && !p.allowed[sender.E164] {
		log.Info("sender not in allowlist")
		p.markSeen(msg.ID)
		res.Dropped = DropNotAllowed
		return res
	}

	if p.duplicate(msg) {
		metrics.DuplicatesTotal.Inc()
		log.Debug("message already processed")
		res.Dropped = DropDuplicate
		return res
	}

	if msg.Kind == domain.KindOther && strings.TrimSpace(msg.Body) == "" {
		log.Info("unsupported message kind", "kind", msg.Kind)
		res.Dropped = DropUnsupported
		return res
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	res.Outcome = p.forward(ctx, log, msg, sender, res.RequestID)
	metrics.ForwardedTotal(res.Outcome.Kind.String()).Inc()
	log.Info("backend outcome", "outcome", res.Outcome.Kind, "status", res.Outcome.StatusCode)
	if err := res.Outcome.Err(); err != nil && res.Outcome.Failed() {
		log.Warn("backend call failed", "err", err)
	}

	res.Reply = p.replyFor(msg, res.Outcome)
	if res.Reply != "" && p.delivery != nil {
		res.Delivered = p.delivery.Send(ctx, msg.SourceID, res.Reply)
	}

	p.emit(res, msg)
	p.record(ctx, log, res, msg)
	return res
}

func (p *Pipeline) forward(ctx context.Context, log *slog.Logger, msg domain.InboundMessage, sender domain.CanonicalSender, requestID string) domain.Outcome {
	req := domain.ForwardRequest{
		RequestID:  requestID,
		From:       sender,
		Body:       msg.Body,
		Kind:       msg.Kind,
		ReceivedAt: msg.ReceivedAt,
		MimeType:   msg.MimeType,
		FileName:   msg.FileName,
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	if msg.Kind.Binary() {
		if p.media == nil {
			return domain.Outcome{Kind: domain.OutcomePermanentFailure, Reason: "media download unavailable"}
		}
		data, err := p.media.DownloadMedia(ctx, msg)
		if err != nil {
			log.Warn("media download failed", "kind", msg.Kind, "err", err)
			return domain.Outcome{Kind: domain.OutcomeTransientFailure, Reason: fmt.Sprintf("media download: %v", err)}
		}
		req.Media = data
	}

	start := time.Now()
	out := p.forwarder.Forward(ctx, req)
	metrics.WebhookLatency.Since(start)
	return out
}

// replyFor maps an outcome to the text sent back to the user, if any.
func (p *Pipeline) replyFor(msg domain.InboundMessage, out domain.Outcome) string {
	switch out.Kind {
	case domain.OutcomeReplied, domain.OutcomeUserNotRegistered:
		return out.Text
	case domain.OutcomeTransientFailure, domain.OutcomePermanentFailure:
		if msg.Kind == domain.KindVoice {
			return p.replies.VoiceApology
		}
		return p.replies.Apology
	default:
		return ""
	}
}

// duplicate reports whether msg was already handled. Without DedupPush, push
// events are only dropped when the same id already went out via poll.
func (p *Pipeline) duplicate(msg domain.InboundMessage) bool {
	if msg.Via == domain.ViaPoll || p.dedupPush {
		if p.dedup.SeenBefore(msg.ID) {
			return true
		}
		if msg.Via == domain.ViaPoll && p.polled != nil {
			p.polled.SeenBefore(msg.ID)
		}
		return false
	}
	p.markSeen(msg.ID)
	return p.polled.Contains(msg.ID)
}

func (p *Pipeline) markSeen(id string) {
	p.dedup.SeenBefore(id)
}

func (p *Pipeline) emit(res Result, msg domain.InboundMessage) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{
		Type:   bus.EventMessageForwarded,
		Source: "pipeline",
		Payload: map[string]any{
			"request_id": res.RequestID,
			"message_id": msg.ID,
			"phone":      res.Phone,
			"kind":       string(msg.Kind),
			"via":        string(msg.Via),
			"outcome":    res.Outcome.Kind.String(),
			"delivered":  res.Delivered,
		},
	})
}

func (p *Pipeline) record(ctx context.Context, log *slog.Logger, res Result, msg domain.InboundMessage) {
	if p.recorder == nil {
		return
	}
	rec := domain.RelayRecord{
		RequestID: res.RequestID,
		MessageID: msg.ID,
		SourceID:  msg.SourceID,
		Phone:     res.Phone,
		Kind:      string(msg.Kind),
		Via:       string(msg.Via),
		Outcome:   res.Outcome.Kind.String(),
		Delivered: res.Delivered,
		Detail:    res.Outcome.Reason,
		CreatedAt: time.Now(),
	}
	// The journal write must survive a pipeline context cancelled at shutdown.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.recorder.RecordOutcome(wctx, rec); err != nil {
		log.Warn("journal write failed", "err", err)
	}
}
