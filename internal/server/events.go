package server

import (
	"net/http"
	"time"

	"wabridge/internal/bus"

	"github.com/gorilla/websocket"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventBuffer       = 64
	defaultPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Ops tooling connects from scripts, not browsers; the bearer token is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams lifecycle events as JSON text frames. Recent history
// is replayed first. A client that falls behind loses events rather than
// stalling the emitter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "event stream disabled"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := make(chan bus.Event, eventBuffer)
	id := s.cfg.Events.On("*", func(e bus.Event) {
		select {
		case out <- e:
		default:
		}
	})
	defer s.cfg.Events.Off("*", id)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// Events emitted between On and Replay show up in both; last skips them.
	var last time.Time
	for _, e := range s.cfg.Events.Replay("*", time.Now().Add(-eventReplayWindow)) {
		if err := writeEvent(conn, e); err != nil {
			return
		}
		last = e.Timestamp
	}

	// The read loop only watches for the client going away and extends the
	// deadline on every pong.
	pongWait := s.cfg.EventPongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				s.logger.Debug("event stream ping failed", "error", err)
				return
			}
		case <-closed:
			s.logger.Debug("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e := <-out:
			if !e.Timestamp.After(last) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e bus.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(e)
}
