// Package backend talks to the application backend that owns user accounts
// and produces replies.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"wabridge/internal/domain"
)

const (
	DefaultWebhookPath  = "/api/whatsapp/webhook"
	defaultTimeout      = 30 * time.Second
	defaultVoiceTimeout = 60 * time.Second
	maxResponseBytes    = 1 << 20
)

// DefaultOnboarding is sent to numbers the backend does not know.
const DefaultOnboarding = "👋 Olá! Seu número {phone} ainda não está cadastrado.\n\n" +
	"Para usar o assistente pelo WhatsApp, crie sua conta e cadastre este número no seu perfil:\n{registerURL}\n\n" +
	"Depois é só mandar uma mensagem aqui. 😉"

var unregisteredPattern = regexp.MustCompile(`(?i)(n[ãa]o\s+cadastrad|not\s+registered|unregistered)`)

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a later retry could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// WebhookConfig configures the webhook client.
type WebhookConfig struct {
	BaseURL      string
	Path         string
	Token        string
	Timeout      time.Duration
	VoiceTimeout time.Duration

	// Onboarding may contain {phone} and {registerURL}.
	Onboarding  string
	RegisterURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// WebhookClient forwards messages to the backend and classifies its answer.
// It never sends messages to users itself.
type WebhookClient struct {
	url          string
	token        string
	timeout      time.Duration
	voiceTimeout time.Duration
	onboarding   string
	registerURL  string
	client       *http.Client
	logger       *slog.Logger
}

func NewWebhookClient(cfg WebhookConfig) *WebhookClient {
	if cfg.Path == "" {
		cfg.Path = DefaultWebhookPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.VoiceTimeout <= 0 {
		cfg.VoiceTimeout = defaultVoiceTimeout
	}
	if cfg.Onboarding == "" {
		cfg.Onboarding = DefaultOnboarding
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookClient{
		url:          strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		token:        cfg.Token,
		timeout:      cfg.Timeout,
		voiceTimeout: cfg.VoiceTimeout,
		onboarding:   cfg.Onboarding,
		registerURL:  cfg.RegisterURL,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

// URL returns the full webhook endpoint.
func (c *WebhookClient) URL() string { return c.url }

type webhookPayload struct {
	From           string `json:"from"`
	Type           string `json:"type"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
	AudioBase64    string `json:"audio_base64,omitempty"`
	ImageBase64    string `json:"image_base64,omitempty"`
	DocumentBase64 string `json:"document_base64,omitempty"`
	Filename       string `json:"filename,omitempty"`
	Caption        string `json:"caption,omitempty"`
	MimeType       string `json:"mimetype,omitempty"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func buildPayload(req domain.ForwardRequest) webhookPayload {
	p := webhookPayload{
		From:      req.From.E164,
		Type:      "text",
		Timestamp: req.ReceivedAt.UnixMilli(),
	}
	encoded := ""
	if len(req.Media) > 0 {
		encoded = base64.StdEncoding.EncodeToString(req.Media)
	}
	switch req.Kind {
	case domain.KindVoice:
		p.Type = "audio"
		p.AudioBase64 = encoded
		p.MimeType = req.MimeType
	case domain.KindImage:
		p.Type = "image"
		p.ImageBase64 = encoded
		p.Caption = req.Body
		p.MimeType = req.MimeType
	case domain.KindDocument:
		p.Type = "document"
		p.DocumentBase64 = encoded
		p.Filename = req.FileName
		p.Caption = req.Body
		p.MimeType = req.MimeType
	default:
		p.Text = req.Body
	}
	return p
}

// Forward posts req to the backend and classifies the response.
func (c *WebhookClient) Forward(ctx context.Context, req domain.ForwardRequest) domain.Outcome {
	payload := buildPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomePermanentFailure, Reason: fmt.Sprintf("encode payload: %v", err)}
	}

	timeout := c.timeout
	if req.Kind == domain.KindVoice {
		timeout = c.voiceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomePermanentFailure, Reason: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	c.logger.Debug("forwarding to backend", "from", payload.From, "type", payload.Type, "bytes", len(body))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("timeout after %s", timeout)
		}
		return domain.Outcome{Kind: domain.OutcomeTransientFailure, Reason: reason}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Outcome{Kind: domain.OutcomeTransientFailure, Reason: fmt.Sprintf("read response: %v", err), StatusCode: resp.StatusCode}
	}
	return c.classify(resp.StatusCode, raw, req.From)
}

func (c *WebhookClient) classify(status int, raw []byte, from domain.CanonicalSender) domain.Outcome {
	var parsed webhookResponse
	parseErr := json.Unmarshal(raw, &parsed)

	if status >= 200 && status < 300 {
		if parseErr != nil {
			c.logger.Warn("backend returned unparsable body", "status", status, "err", parseErr)
			return domain.Outcome{Kind: domain.OutcomeAccepted, StatusCode: status}
		}
		if !parsed.Success && parsed.Error != "" {
			c.logger.Warn("backend reported failure with 2xx", "error", parsed.Error)
		}
		if strings.TrimSpace(parsed.Message) != "" {
			return domain.Outcome{Kind: domain.OutcomeReplied, Text: parsed.Message, StatusCode: status}
		}
		return domain.Outcome{Kind: domain.OutcomeAccepted, StatusCode: status}
	}

	serr := &StatusError{StatusCode: status, Body: truncate(string(raw), 200)}
	if status == http.StatusBadRequest && (unregisteredPattern.MatchString(parsed.Error) || unregisteredPattern.MatchString(parsed.Message)) {
		return domain.Outcome{
			Kind:       domain.OutcomeUserNotRegistered,
			Text:       c.OnboardingText(from),
			Reason:     serr.Error(),
			StatusCode: status,
		}
	}
	if serr.Temporary() {
		return domain.Outcome{Kind: domain.OutcomeTransientFailure, Reason: serr.Error(), StatusCode: status}
	}
	return domain.Outcome{Kind: domain.OutcomePermanentFailure, Reason: serr.Error(), StatusCode: status}
}

// OnboardingText renders the onboarding message for a phone.
func (c *WebhookClient) OnboardingText(from domain.CanonicalSender) string {
	return strings.NewReplacer("{phone}", from.E164, "{registerURL}", c.registerURL).Replace(c.onboarding)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
