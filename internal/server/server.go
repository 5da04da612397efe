// Package server exposes the relay's ops HTTP API: liveness, health, manual
// send, the pairing QR, a lifecycle event stream and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/session"

	qrcode "github.com/skip2/go-qrcode"
)

// eventReplayWindow is how far back /events replays history to a new client.
const eventReplayWindow = 10 * time.Minute

// SessionControl is the part of the session manager the API drives.
type SessionControl interface {
	State() domain.SessionState
	Challenge() *domain.PairingChallenge
	Restart() error
}

// HealthSource produces health snapshots.
type HealthSource interface {
	Snapshot() session.Health
}

// Sender delivers manual messages through the delivery queue.
type Sender interface {
	Send(ctx context.Context, recipient, text string) bool
}

type Config struct {
	Host    string
	Port    int
	Token   string
	Version string

	Session SessionControl
	Health  HealthSource
	Sender  Sender
	Events  *bus.EventBus

	Metrics     http.Handler // nil disables the metrics endpoint
	MetricsPath string       // default /metrics

	// EventPongWait drops an /events client that stops answering pings.
	EventPongWait time.Duration

	Logger *slog.Logger
}

// Server is the ops HTTP API.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.EventPongWait <= 0 {
		cfg.EventPongWait = defaultPongWait
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), logger: cfg.Logger}

	s.mux.HandleFunc("GET /{$}", s.handleInfo)
	s.mux.HandleFunc("GET /livez", s.handleLivez)
	s.mux.HandleFunc("GET /health", s.requireAuth(s.handleHealth))
	s.mux.HandleFunc("POST /send", s.requireAuth(s.handleSend))
	s.mux.HandleFunc("GET /qr", s.requireAuth(s.handleQR))
	s.mux.HandleFunc("GET /events", s.requireAuth(s.handleEvents))
	s.mux.HandleFunc("POST /session/restart", s.requireAuth(s.handleRestart))
	if cfg.Metrics != nil {
		s.mux.HandleFunc("GET "+cfg.MetricsPath, s.requireAuth(cfg.Metrics.ServeHTTP))
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("ops server started", "addr", "http://"+addr, "auth", s.cfg.Token != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// requireAuth checks the bearer token. With no token configured every
// protected endpoint is refused.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if s.cfg.Token == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wabridge"`)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "wabridge",
		"version": s.cfg.Version,
		"status":  s.cfg.Session.State().String(),
		"endpoints": map[string]string{
			"livez":   "GET /livez",
			"health":  "GET /health",
			"send":    "POST /send",
			"qr":      "GET /qr",
			"events":  "GET /events",
			"restart": "POST /session/restart",
			"metrics": "GET " + s.cfg.MetricsPath,
		},
	})
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Health.Snapshot())
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": `"to" and "message" are required`})
		return
	}
	if s.cfg.Session.State() != domain.StateConnected {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "whatsapp is not connected"})
		return
	}

	to := strings.TrimSpace(req.To)
	if !strings.Contains(to, "@") {
		to += "@c.us"
	}
	if !s.cfg.Sender.Send(r.Context(), to, req.Message) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "delivery failed"})
		return
	}
	s.logger.Info("manual send", "to", to)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "message sent"})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	c := s.cfg.Session.Challenge()
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "no pairing challenge pending"})
		return
	}
	png, err := qrcode.Encode(c.Code, qrcode.Medium, 256)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Pairing-Expires", c.ExpiresAt.UTC().Format(time.RFC3339))
	w.Write(png)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Session.Restart(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.logger.Info("session restart requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "message": "restarting"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
