package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/slack-go/slack"
)

const qrSize = 256

// --- Telegram ---

type TelegramConfig struct {
	Token  string
	ChatID int64
	// Endpoint overrides tgbotapi.APIEndpoint.
	Endpoint string
	Client   *http.Client
}

// Telegram posts alerts to a chat. Pairing alerts are sent as a QR photo.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot with getMe.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.Endpoint, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.QR != "" {
		png, err := qrcode.Encode(a.QR, qrcode.Medium, qrSize)
		if err != nil {
			return fmt.Errorf("render qr: %w", err)
		}
		photo := tgbotapi.NewPhoto(t.chatID, tgbotapi.FileBytes{Name: "pairing.png", Bytes: png})
		photo.Caption = a.Message()
		if _, err := t.bot.Send(photo); err != nil {
			return fmt.Errorf("telegram send photo: %w", err)
		}
		return nil
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, a.Message())); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// --- Slack ---

// Slack posts alerts to an incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Slack{webhookURL: webhookURL, client: client}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	text := "*" + a.Title + "*"
	if a.Text != "" {
		text += "\n" + a.Text
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, &slack.WebhookMessage{Text: text}); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// --- Discord ---

type DiscordConfig struct {
	WebhookID    string
	WebhookToken string
	Client       *http.Client
}

// Discord executes a channel webhook. No gateway connection is opened.
type Discord struct {
	session *discordgo.Session
	id      string
	token   string
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if cfg.Client != nil {
		session.Client = cfg.Client
	}
	return &Discord{session: session, id: cfg.WebhookID, token: cfg.WebhookToken}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, a Alert) error {
	params := &discordgo.WebhookParams{
		Username: "wabridge",
		Content:  "**" + a.Title + "**\n" + a.Text,
	}
	if _, err := d.session.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
