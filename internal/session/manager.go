// Package session owns the messaging session and its lifecycle: pairing,
// reconnects, dispatch of inbound events and the polling fallback.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"
	"wabridge/internal/relay"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 10 * time.Second
	defaultPairingAttempts      = 3
	defaultPairingTimeout       = 60 * time.Second
	defaultConnectTimeout       = 30 * time.Second
	defaultMaxConcurrent        = 16
	defaultShutdownGrace        = 10 * time.Second
	defaultHeartbeatInterval    = 60 * time.Second
	defaultSendWait             = 30 * time.Second
)

// Handler runs the per-event pipeline.
type Handler interface {
	Handle(ctx context.Context, msg domain.InboundMessage) relay.Result
}

// ManagerConfig holds the dependencies and tuning of a Manager.
type ManagerConfig struct {
	Factory domain.SessionFactory
	Bus     domain.MessageBus
	Events  *bus.EventBus // optional
	Handler Handler       // may be set later with SetHandler
	Logger  *slog.Logger

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration // multiplied by the attempt number
	PairingAttempts      int
	PairingTimeout       time.Duration
	ConnectTimeout       time.Duration

	MaxConcurrent int
	ShutdownGrace time.Duration

	// SendWait bounds how long SendText waits for a reconnect in progress.
	SendWait time.Duration

	// Polling fallback. Dedup must be the tracker shared with the pipeline.
	PollEnabled  bool
	PollInterval time.Duration
	PollLimit    int
	PollLookback time.Duration
	Dedup        *relay.DedupTracker

	HeartbeatInterval time.Duration
	OnHeartbeat       func(ctx context.Context) // optional housekeeping, e.g. archive pruning
}

// Manager is the single owner of the session handle. Other components reach
// the session only through its methods.
type Manager struct {
	factory  domain.SessionFactory
	bus      domain.MessageBus
	events   *bus.EventBus
	handler  Handler
	logger   *slog.Logger
	poller   *relay.Poller
	lookback time.Duration

	maxReconnect   int
	reconnectDelay time.Duration
	pairAttempts   int
	pairTimeout    time.Duration
	connectTimeout time.Duration
	maxConcurrent  int
	shutdownGrace  time.Duration
	sendWait       time.Duration
	heartbeat      time.Duration
	onHeartbeat    func(ctx context.Context)

	// wait sleeps between reconnect attempts; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       domain.SessionState
	attempt     int
	session     domain.Session
	challenge   *domain.PairingChallenge
	connectedAt time.Time
	terminated  bool
	changed     chan struct{} // closed on every state change

	restart chan struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.PairingAttempts <= 0 {
		cfg.PairingAttempts = defaultPairingAttempts
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = defaultPairingTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SendWait <= 0 {
		cfg.SendWait = defaultSendWait
	}

	m := &Manager{
		factory:        cfg.Factory,
		bus:            cfg.Bus,
		events:         cfg.Events,
		handler:        cfg.Handler,
		logger:         cfg.Logger,
		lookback:       cfg.PollLookback,
		maxReconnect:   cfg.MaxReconnectAttempts,
		reconnectDelay: cfg.ReconnectDelay,
		pairAttempts:   cfg.PairingAttempts,
		pairTimeout:    cfg.PairingTimeout,
		connectTimeout: cfg.ConnectTimeout,
		maxConcurrent:  cfg.MaxConcurrent,
		shutdownGrace:  cfg.ShutdownGrace,
		sendWait:       cfg.SendWait,
		heartbeat:      cfg.HeartbeatInterval,
		onHeartbeat:    cfg.OnHeartbeat,
		wait:           sleep,
		state:          domain.StateDisconnected,
		changed:        make(chan struct{}),
		restart:        make(chan struct{}, 1),
	}
	if cfg.PollEnabled {
		dedup := cfg.Dedup
		if dedup == nil {
			dedup = relay.NewDedupTracker(0)
		}
		m.poller = relay.NewPoller(relay.PollerConfig{
			Source:   m,
			Bus:      cfg.Bus,
			Dedup:    dedup,
			Interval: cfg.PollInterval,
			Limit:    cfg.PollLimit,
			Since:    m.pollCutoff,
			Logger:   cfg.Logger.With("component", "poller"),
		})
	}
	return m
}

// SetHandler wires the pipeline. It must be called before Run.
func (m *Manager) SetHandler(h Handler) { m.handler = h }

// Run drives the session until ctx is cancelled. It returns an error only
// when the very first session cannot be opened.
func (m *Manager) Run(ctx context.Context) error {
	if m.handler == nil {
		return errors.New("session manager: no handler configured")
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	m.setState(domain.StateConnecting, 0)

	// In-flight pipelines outlive ctx by the shutdown grace period.
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var inflight sync.WaitGroup
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		m.dispatch(ctx, work, &inflight)
	}()
	if m.poller != nil {
		go m.poller.Run(ctx)
	}
	go m.runHeartbeat(ctx)

	err := m.supervise(ctx)
	stop()

	<-dispatched
	m.drain(&inflight, cancelWork)
	m.closeSession()
	m.setState(domain.StateDisconnected, 0)
	m.logger.Info("session manager stopped")
	return err
}

// openError marks a failure of the session factory itself.
type openError struct{ err error }

func (e *openError) Error() string { return "open session: " + e.err.Error() }
func (e *openError) Unwrap() error { return e.err }

func (m *Manager) supervise(ctx context.Context) error {
	err := m.start(ctx)
	var oe *openError
	if errors.As(err, &oe) {
		return err
	}

	for {
		if err == nil {
			lost := m.hold(ctx)
			if ctx.Err() != nil {
				return nil
			}
			err = m.reconnect(ctx, lost)
			if err == nil {
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		m.terminate(err)

		select {
		case <-ctx.Done():
			return nil
		case <-m.restart:
			m.mu.Lock()
			m.terminated = false
			m.mu.Unlock()
			m.logger.Info("session restart requested")
		}
		err = m.start(ctx)
	}
}

// start opens a fresh session and brings it to Connected, pairing if needed.
func (m *Manager) start(ctx context.Context) error {
	m.mu.Lock()
	m.terminated = false
	m.mu.Unlock()
	m.setState(domain.StateConnecting, 0)

	sess, err := m.open(ctx)
	if err != nil {
		return err
	}
	if !sess.Paired() {
		return m.pair(ctx, sess)
	}

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := sess.Connect(cctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	m.setState(domain.StateConnected, 0)
	return nil
}

// pair runs up to pairAttempts challenge rounds of pairTimeout each. Every
// round after the first uses a fresh session.
func (m *Manager) pair(ctx context.Context, sess domain.Session) error {
	for round := 1; round <= m.pairAttempts; round++ {
		if round > 1 {
			m.setState(domain.StateConnecting, round)
			var err error
			if sess, err = m.open(ctx); err != nil {
				return err
			}
		}
		m.setState(domain.StateAwaitingPairing, round)

		err := m.pairRound(ctx, sess, round)
		if err == nil {
			m.setState(domain.StateConnected, 0)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("pairing challenge expired", "attempt", round, "of", m.pairAttempts, "err", err)
	}
	return domain.ErrPairingTimeout
}

func (m *Manager) pairRound(ctx context.Context, sess domain.Session, round int) error {
	pctx, cancel := context.WithTimeout(ctx, m.pairTimeout)
	defer cancel()

	challenges := make(chan domain.PairingChallenge, 1)
	done := make(chan error, 1)
	go func() { done <- sess.Pair(pctx, challenges) }()

	for {
		select {
		case c := <-challenges:
			c.Attempt = round
			if c.IssuedAt.IsZero() {
				c.IssuedAt = time.Now()
			}
			if deadline, ok := pctx.Deadline(); c.ExpiresAt.IsZero() && ok {
				c.ExpiresAt = deadline
			}
			m.mu.Lock()
			m.challenge = &c
			m.mu.Unlock()

			m.logger.Info("pairing challenge issued", "attempt", round, "expires_at", c.ExpiresAt.Format(time.RFC3339))
			m.emit(bus.EventSessionPairing, map[string]any{
				"code":       c.Code,
				"attempt":    round,
				"expires_at": c.ExpiresAt,
			})
		case err := <-done:
			return err
		}
	}
}

// hold blocks while the session is connected and returns the link-loss cause.
func (m *Manager) hold(ctx context.Context) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return domain.ErrSessionLinkLost
	}

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-sess.LinkLost():
		if !ok || err == nil {
			return domain.ErrSessionLinkLost
		}
		return fmt.Errorf("%w: %v", domain.ErrSessionLinkLost, err)
	}
}

// reconnect runs the bounded linear-backoff policy. Each attempt closes the
// stale session and opens a new one.
func (m *Manager) reconnect(ctx context.Context, cause error) error {
	m.logger.Warn("session link lost", "err", cause)

	last := cause
	for attempt := 1; attempt <= m.maxReconnect; attempt++ {
		m.setState(domain.StateReconnecting, attempt)
		metrics.ReconnectsTotal.Inc()

		delay := time.Duration(attempt) * m.reconnectDelay
		m.logger.Info("reconnecting", "attempt", attempt, "of", m.maxReconnect, "delay", delay)
		if err := m.wait(ctx, delay); err != nil {
			return err
		}

		sess, err := m.open(ctx)
		if err != nil {
			last = err
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}
		if !sess.Paired() {
			last = domain.ErrPairingRequired
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", last)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		err = sess.Connect(cctx)
		cancel()
		if err != nil {
			last = err
			m.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		m.setState(domain.StateConnected, attempt)
		m.logger.Info("session reconnected", "attempt", attempt)
		return nil
	}
	return fmt.Errorf("%w: gave up after %d reconnect attempts: %v", domain.ErrSessionTerminated, m.maxReconnect, last)
}

// open closes the current session, if any, and installs a new one.
func (m *Manager) open(ctx context.Context) (domain.Session, error) {
	m.closeSession()
	sess, err := m.factory.Open(ctx, m.bus)
	if err != nil {
		return nil, &openError{err}
	}
	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) closeSession() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// terminate settles in Disconnected until Restart is called.
func (m *Manager) terminate(cause error) {
	m.closeSession()
	m.mu.Lock()
	// Drop a restart request that raced with the previous start.
	select {
	case <-m.restart:
	default:
	}
	m.terminated = true
	attempt := m.attempt
	m.mu.Unlock()

	m.logger.Error("session terminated", "err", cause)
	m.setStateWith(domain.StateDisconnected, attempt, map[string]any{"error": cause.Error(), "terminal": true})
}

// Restart leaves the terminal Disconnected state and starts a new session.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.terminated {
		return fmt.Errorf("restart: session is %s", m.state)
	}
	select {
	case m.restart <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manager) setState(to domain.SessionState, attempt int) {
	m.setStateWith(to, attempt, nil)
}

func (m *Manager) setStateWith(to domain.SessionState, attempt int, extra map[string]any) {
	m.mu.Lock()
	from, prevAttempt := m.state, m.attempt
	m.state = to
	switch to {
	case domain.StateReconnecting:
		m.attempt = attempt
	case domain.StateConnected:
		m.attempt = 0
		m.connectedAt = time.Now()
	}
	if to != domain.StateAwaitingPairing {
		m.challenge = nil
	}
	if to != domain.StateConnected {
		m.connectedAt = time.Time{}
	}
	unchanged := from == to && prevAttempt == m.attempt && extra == nil
	if !unchanged {
		close(m.changed)
		m.changed = make(chan struct{})
	}
	m.mu.Unlock()

	if unchanged {
		return
	}
	metrics.SessionConnected.SetBool(to == domain.StateConnected)
	m.logger.Info("session state", "from", from, "to", to, "attempt", attempt)

	payload := map[string]any{"from": from.String(), "to": to.String(), "attempt": attempt}
	for k, v := range extra {
		payload[k] = v
	}
	m.emit(bus.EventSessionState, payload)
}

func (m *Manager) emit(eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(bus.Event{Type: eventType, Source: "session", Payload: payload})
}

// waitReady blocks while the session is coming up or reconnecting. It
// returns false once the manager is terminally disconnected or ctx ends.
func (m *Manager) waitReady(ctx context.Context) bool {
	for {
		m.mu.Lock()
		state, terminated, changed := m.state, m.terminated, m.changed
		m.mu.Unlock()

		if state == domain.StateConnected {
			return true
		}
		if terminated {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

// dispatch consumes the bus and hands each event to its sender's lane. Lanes
// keep same-sender order; at most maxConcurrent pipelines run at once.
func (m *Manager) dispatch(ctx, work context.Context, inflight *sync.WaitGroup) {
	m.logger.Info("dispatch started", "concurrency", m.maxConcurrent)

	sem := make(chan struct{}, m.maxConcurrent)
	lanes := relay.NewLanes()
	inbound := m.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				m.logger.Info("inbound bus closed, dispatch stopping")
				return
			}
			if !m.waitReady(ctx) {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("session terminated, dropping message", "message_id", msg.ID, "source", msg.SourceID, "via", msg.Via)
				continue
			}
			inflight.Add(1)
			lanes.Submit(msg.SourceID, func() {
				defer inflight.Done()
				// A slot is held only while the pipeline runs, never while
				// queued behind the same sender.
				select {
				case sem <- struct{}{}:
				case <-work.Done():
					m.logger.Warn("shutdown, dropping queued message", "message_id", msg.ID, "source", msg.SourceID)
					return
				}
				defer func() { <-sem }()
				m.handler.Handle(work, msg)
			})
		}
	}
}

func (m *Manager) drain(inflight *sync.WaitGroup, cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.shutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.logger.Warn("shutdown grace expired, cancelling in-flight messages", "grace", m.shutdownGrace)
		cancel()
		<-done
	}
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			state, attempt, since := m.state, m.attempt, m.connectedAt
			m.mu.Unlock()

			attrs := []any{"state", state, "reconnect_attempts", attempt, "queued", m.bus.Len()}
			if !since.IsZero() {
				attrs = append(attrs, "connected_for", time.Since(since).Round(time.Second))
			}
			m.logger.Info("heartbeat", attrs...)
			if m.onHeartbeat != nil {
				m.onHeartbeat(ctx)
			}
		}
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Challenge returns the pairing code currently awaiting a scan, or nil.
func (m *Manager) Challenge() *domain.PairingChallenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateAwaitingPairing || m.challenge == nil {
		return nil
	}
	if !m.challenge.ExpiresAt.IsZero() && time.Now().After(m.challenge.ExpiresAt) {
		return nil
	}
	c := *m.challenge
	return &c
}

func (m *Manager) pollCutoff() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectedAt.IsZero() {
		return time.Time{}
	}
	return m.connectedAt.Add(-m.lookback)
}

func (m *Manager) connected() (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateConnected || m.session == nil {
		return nil, domain.ErrNotConnected
	}
	return m.session, nil
}

// SendText sends through the current session. While the link is being
// re-established it waits up to SendWait for Connected first.
func (m *Manager) SendText(ctx context.Context, address, text string) error {
	if err := m.awaitRecovery(ctx); err != nil {
		return err
	}
	sess, err := m.connected()
	if err != nil {
		return err
	}
	return sess.SendText(ctx, address, text)
}

// awaitRecovery blocks while a connect or reconnect is in progress.
func (m *Manager) awaitRecovery(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.sendWait)
	defer cancel()
	for {
		m.mu.Lock()
		state, terminated, changed := m.state, m.terminated, m.changed
		m.mu.Unlock()

		if terminated || (state != domain.StateReconnecting && state != domain.StateConnecting) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: link still %s after %s", domain.ErrNotConnected, state, m.sendWait)
		case <-changed:
		}
	}
}

func (m *Manager) DownloadMedia(ctx context.Context, msg domain.InboundMessage) ([]byte, error) {
	sess, err := m.connected()
	if err != nil {
		return nil, err
	}
	return sess.DownloadMedia(ctx, msg)
}

func (m *Manager) ListChats(ctx context.Context) ([]domain.Chat, error) {
	sess, err := m.connected()
	if err != nil {
		return nil, err
	}
	return sess.ListChats(ctx)
}

func (m *Manager) RecentMessages(ctx context.Context, chatID string, limit int) ([]domain.InboundMessage, error) {
	sess, err := m.connected()
	if err != nil {
		return nil, err
	}
	return sess.RecentMessages(ctx, chatID, limit)
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
