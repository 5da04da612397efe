package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient(url string, mutate func(*WebhookConfig)) *WebhookClient {
	cfg := WebhookConfig{
		BaseURL:     url,
		Token:       "secret-token",
		RegisterURL: "https://app.example.com/cadastro",
		Logger:      testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewWebhookClient(cfg)
}

func textRequest(body string) domain.ForwardRequest {
	return domain.ForwardRequest{
		RequestID:  "req-1",
		From:       domain.CanonicalSender{E164: "+5511999990000"},
		Body:       body,
		Kind:       domain.KindText,
		ReceivedAt: time.UnixMilli(1700000000123),
	}
}

func TestForward_RequestShape(t *testing.T) {
	var got map[string]any
	var auth, reqID, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		reqID = r.Header.Get("X-Request-ID")
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &got)
		w.Write([]byte(`{"success":true,"message":"Registrado!"}`))
	}))
	defer srv.Close()

	out := newClient(srv.URL+"/", nil).Forward(context.Background(), textRequest("Gastei 50 reais"))

	if out.Kind != domain.OutcomeReplied || out.Text != "Registrado!" {
		t.Fatalf("outcome = %+v", out)
	}
	if path != "/api/whatsapp/webhook" {
		t.Errorf("path = %q", path)
	}
	if auth != "Bearer secret-token" {
		t.Errorf("auth = %q", auth)
	}
	if reqID != "req-1" {
		t.Errorf("request id = %q", reqID)
	}
	if got["from"] != "+5511999990000" || got["type"] != "text" || got["text"] != "Gastei 50 reais" {
		t.Errorf("body = %v", got)
	}
	if ts, _ := got["timestamp"].(float64); int64(ts) != 1700000000123 {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
	if _, ok := got["audio_base64"]; ok {
		t.Error("text payload must not carry audio_base64")
	}
}

func TestForward_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	if out := newClient(srv.URL, nil).Forward(context.Background(), textRequest("oi")); out.Kind != domain.OutcomeAccepted {
		t.Errorf("outcome = %v", out.Kind)
	}
}

func TestForward_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.OutcomeKind
	}{
		{"unregistered", 400, `{"error": "usuário não cadastrado"}`, domain.OutcomeUserNotRegistered},
		{"unregistered in message", 400, `{"success": false, "message": "Numero nao cadastrado"}`, domain.OutcomeUserNotRegistered},
		{"plain bad request", 400, `{"error": "campo text ausente"}`, domain.OutcomePermanentFailure},
		{"server error", 500, `{"error": "boom"}`, domain.OutcomeTransientFailure},
		{"bad gateway html", 502, `<html>bad gateway</html>`, domain.OutcomeTransientFailure},
		{"rate limited", 429, ``, domain.OutcomeTransientFailure},
		{"forbidden", 403, `{"error": "token inválido"}`, domain.OutcomePermanentFailure},
		{"unauthorized", 401, `{"error": "unauthorized"}`, domain.OutcomePermanentFailure},
		{"unparsable 200", 200, `ok`, domain.OutcomeAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out := newClient(srv.URL, nil).Forward(context.Background(), textRequest("oi"))
			if out.Kind != tt.want {
				t.Errorf("got %v, want %v (reason %q)", out.Kind, tt.want, out.Reason)
			}
			if out.Kind != domain.OutcomeAccepted && out.StatusCode != tt.status {
				t.Errorf("status = %d", out.StatusCode)
			}
		})
	}
}

func TestForward_OnboardingText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "usuário não cadastrado"}`))
	}))
	defer srv.Close()

	out := newClient(srv.URL, nil).Forward(context.Background(), textRequest("oi"))
	if !strings.Contains(out.Text, "+5511999990000") || !strings.Contains(out.Text, "https://app.example.com/cadastro") {
		t.Errorf("onboarding text = %q", out.Text)
	}
	if !errors.Is(out.Err(), domain.ErrUnregisteredUser) {
		t.Errorf("Err() = %v", out.Err())
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(srv.URL, func(cfg *WebhookConfig) { cfg.Timeout = 30 * time.Millisecond })
	out := c.Forward(context.Background(), textRequest("oi"))

	if out.Kind != domain.OutcomeTransientFailure {
		t.Fatalf("outcome = %v", out.Kind)
	}
	if !strings.Contains(out.Reason, "timeout") {
		t.Errorf("reason = %q", out.Reason)
	}
	if !errors.Is(out.Err(), domain.ErrTransientBackend) {
		t.Errorf("Err() = %v", out.Err())
	}
}

func TestForward_VoiceUsesLongerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.Write([]byte(`{"success":true,"message":"áudio recebido"}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL, func(cfg *WebhookConfig) {
		cfg.Timeout = 20 * time.Millisecond
		cfg.VoiceTimeout = 2 * time.Second
	})
	req := textRequest("")
	req.Kind = domain.KindVoice
	req.Media = []byte("OggS")

	if out := c.Forward(context.Background(), req); out.Kind != domain.OutcomeReplied {
		t.Errorf("voice outcome = %v (%s)", out.Kind, out.Reason)
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if out := newClient(url, nil).Forward(context.Background(), textRequest("oi")); out.Kind != domain.OutcomeTransientFailure {
		t.Errorf("outcome = %v", out.Kind)
	}
}

func TestBuildPayload_Media(t *testing.T) {
	from := domain.CanonicalSender{E164: "+5511999990000"}
	media := []byte{1, 2, 3}
	enc := base64.StdEncoding.EncodeToString(media)

	voice := buildPayload(domain.ForwardRequest{From: from, Kind: domain.KindVoice, Media: media, MimeType: "audio/ogg"})
	if voice.Type != "audio" || voice.AudioBase64 != enc || voice.Text != "" {
		t.Errorf("voice = %+v", voice)
	}

	img := buildPayload(domain.ForwardRequest{From: from, Kind: domain.KindImage, Media: media, Body: "recibo"})
	if img.Type != "image" || img.ImageBase64 != enc || img.Caption != "recibo" || img.Text != "" {
		t.Errorf("image = %+v", img)
	}

	doc := buildPayload(domain.ForwardRequest{From: from, Kind: domain.KindDocument, Media: media, FileName: "nota.pdf"})
	if doc.Type != "document" || doc.DocumentBase64 != enc || doc.Filename != "nota.pdf" {
		t.Errorf("document = %+v", doc)
	}

	other := buildPayload(domain.ForwardRequest{From: from, Kind: domain.KindOther, Body: "Av. Paulista"})
	if other.Type != "text" || other.Text != "Av. Paulista" {
		t.Errorf("other = %+v", other)
	}
}
