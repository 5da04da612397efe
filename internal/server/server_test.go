package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/session"

	"github.com/gorilla/websocket"
)

const testToken = "s3cret-token"

type fakeControl struct {
	mu         sync.Mutex
	state      domain.SessionState
	challenge  *domain.PairingChallenge
	restartErr error
	restarts   int
}

func (f *fakeControl) State() domain.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeControl) Challenge() *domain.PairingChallenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.challenge
}

func (f *fakeControl) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

type fakeHealth struct{}

func (fakeHealth) Snapshot() session.Health {
	return session.Health{Connected: true, SessionExists: true, State: "connected", AsOf: time.Unix(0, 0).UTC()}
}

type fakeSender struct {
	mu    sync.Mutex
	ok    bool
	sends []string
}

func (f *fakeSender) Send(ctx context.Context, recipient, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, recipient+"|"+text)
	return f.ok
}

type fixture struct {
	srv     *httptest.Server
	control *fakeControl
	sender  *fakeSender
	events  *bus.EventBus
}

func newFixture(t *testing.T, token string, tweak ...func(*Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		control: &fakeControl{state: domain.StateConnected},
		sender:  &fakeSender{ok: true},
		events:  bus.NewEventBus(logger),
	}
	cfg := Config{
		Token:   token,
		Version: "test",
		Session: f.control,
		Health:  fakeHealth{},
		Sender:  f.sender,
		Events:  f.events,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "wabridge_up 1\n") }),
		Logger:  logger,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	s := New(cfg)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestLivezIsPublic(t *testing.T) {
	f := newFixture(t, testToken)
	resp := f.do(t, "GET", "/livez", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	m := decode(t, resp)
	if m["status"] != "ok" || len(m) != 1 {
		t.Errorf("livez must not expose session details: %v", m)
	}
}

func TestInfo(t *testing.T) {
	f := newFixture(t, testToken)
	resp := f.do(t, "GET", "/", "", false)
	m := decode(t, resp)
	if m["name"] != "wabridge" || m["status"] != "connected" {
		t.Errorf("info = %v", m)
	}
	if resp := f.do(t, "GET", "/nope", "", false); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	f := newFixture(t, testToken)
	cases := []struct{ method, path string }{
		{"GET", "/health"},
		{"POST", "/send"},
		{"GET", "/qr"},
		{"GET", "/events"},
		{"POST", "/session/restart"},
		{"GET", "/metrics"},
	}
	for _, c := range cases {
		if resp := f.do(t, c.method, c.path, "", false); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", c.method, c.path, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest("GET", f.srv.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", resp.StatusCode)
	}
}

func TestNoTokenConfiguredRefusesEverything(t *testing.T) {
	f := newFixture(t, "")
	req, _ := http.NewRequest("GET", f.srv.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer ")
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testToken)
	m := decode(t, f.do(t, "GET", "/health", "", true))
	if m["connected"] != true || m["session_exists"] != true || m["state"] != "connected" {
		t.Errorf("health = %v", m)
	}
}

func TestSend(t *testing.T) {
	f := newFixture(t, testToken)

	resp := f.do(t, "POST", "/send", `{"to":"5511999990000","message":"hi"}`, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if m := decode(t, resp); m["success"] != true {
		t.Errorf("body = %v", m)
	}

	f.do(t, "POST", "/send", `{"to":"120363@g.us","message":"group"}`, true)

	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	want := []string{"5511999990000@c.us|hi", "120363@g.us|group"}
	if strings.Join(f.sender.sends, ",") != strings.Join(want, ",") {
		t.Errorf("sends = %v, want %v", f.sender.sends, want)
	}
}

func TestSend_Errors(t *testing.T) {
	f := newFixture(t, testToken)

	for _, body := range []string{`{"to":"5511999990000"}`, `{"message":"hi"}`, `not json`} {
		if resp := f.do(t, "POST", "/send", body, true); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}

	f.control.mu.Lock()
	f.control.state = domain.StateReconnecting
	f.control.mu.Unlock()
	resp := f.do(t, "POST", "/send", `{"to":"5511999990000","message":"hi"}`, true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("not connected: status = %d, want 503", resp.StatusCode)
	}
	if m := decode(t, resp); m["success"] != false || m["error"] == "" {
		t.Errorf("body = %v", m)
	}

	f.control.mu.Lock()
	f.control.state = domain.StateConnected
	f.control.mu.Unlock()
	f.sender.mu.Lock()
	f.sender.ok = false
	f.sender.mu.Unlock()
	if resp := f.do(t, "POST", "/send", `{"to":"5511999990000","message":"hi"}`, true); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("delivery failure: status = %d, want 500", resp.StatusCode)
	}
}

func TestQR(t *testing.T) {
	f := newFixture(t, testToken)

	if resp := f.do(t, "GET", "/qr", "", true); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no challenge: status = %d, want 404", resp.StatusCode)
	}

	f.control.mu.Lock()
	f.control.challenge = &domain.PairingChallenge{Code: "2@abc,def,ghi", Attempt: 1, ExpiresAt: time.Now().Add(time.Minute)}
	f.control.mu.Unlock()

	resp := f.do(t, "GET", "/qr", "", true)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d, type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	data, _ := io.ReadAll(resp.Body)
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t, testToken)
	if resp := f.do(t, "POST", "/session/restart", "", true); resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	f.control.mu.Lock()
	f.control.restartErr = errors.New("session is not terminated")
	f.control.mu.Unlock()
	resp := f.do(t, "POST", "/session/restart", "", true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if m := decode(t, resp); m["error"] != "session is not terminated" {
		t.Errorf("body = %v", m)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, testToken)
	resp := f.do(t, "GET", "/metrics", "", true)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "wabridge_up 1") {
		t.Errorf("metrics body = %q", body)
	}
}

func TestEvents_ReplayThenStream(t *testing.T) {
	f := newFixture(t, testToken)

	f.events.Emit(bus.Event{Type: "stale", Timestamp: time.Now().Add(-time.Hour)})
	f.events.Emit(bus.Event{Type: bus.EventSessionState, Payload: map[string]any{"to": "connected"}})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	read := func() bus.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var e bus.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v", err)
		}
		return e
	}

	if e := read(); e.Type != bus.EventSessionState {
		t.Fatalf("first replayed event = %q, want session.state (stale one skipped)", e.Type)
	}

	// The live subscription is installed before the replay is written, so an
	// event emitted now is streamed.
	f.events.Emit(bus.Event{Type: bus.EventDeliveryFailed, Payload: map[string]any{"recipient": "x"}})
	if e := read(); e.Type != bus.EventDeliveryFailed || e.Payload["recipient"] != "x" {
		t.Errorf("streamed event = %+v", e)
	}
}

func TestEvents_Keepalive(t *testing.T) {
	// Pings go out every 180ms; the stream must outlive several pong waits.
	f := newFixture(t, testToken, func(c *Config) { c.EventPongWait = 200 * time.Millisecond })
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	// Control frames are handled while reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("ping %d not received", i+1)
		}
	}
}

func TestEvents_RequiresToken(t *testing.T) {
	f := newFixture(t, testToken)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v, want 401", resp)
	}
}
