// Package whatsapp implements the session driver over whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wabridge/internal/domain"
	"wabridge/internal/store"

	_ "modernc.org/sqlite"
)

// Archive records inbound messages and serves them back to the poller.
type Archive interface {
	ArchiveMessage(ctx context.Context, msg domain.InboundMessage, raw []byte) error
	ListChats(ctx context.Context) ([]domain.Chat, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]store.ArchivedMessage, error)
}

type DriverConfig struct {
	StorePath  string // sqlite file holding the device keys
	DeviceName string // shown in the phone's linked devices list
	Archive    Archive // nil disables archiving and the chat listing used by polling
	Logger     *slog.Logger
}

// Driver is the SessionFactory for WhatsApp. All sessions share one device
// store; every Open builds a new client on top of it.
type Driver struct {
	container *sqlstore.Container
	archive   Archive
	logger    *slog.Logger
	waLogger  waLog.Logger
}

// NewDriver opens the device store. Failing here is fatal for serve.
func NewDriver(ctx context.Context, cfg DriverConfig) (*Driver, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o700); err != nil {
		return nil, fmt.Errorf("cannot create session store directory: %w", err)
	}
	if cfg.DeviceName != "" {
		wastore.DeviceProps.Os = &cfg.DeviceName
	}

	waLogger := NewLogger(cfg.Logger, "whatsmeow")
	dsn := "file:" + cfg.StorePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("open session store %s: %w", cfg.StorePath, err)
	}

	return &Driver{
		container: container,
		archive:   cfg.Archive,
		logger:    cfg.Logger,
		waLogger:  waLogger,
	}, nil
}

// Open creates a fresh client for the stored device, or for a new device
// when none has been paired yet.
func (d *Driver) Open(ctx context.Context, bus domain.MessageBus) (domain.Session, error) {
	device, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, d.waLogger.Sub("Client"))
	// Reconnects are owned by the session manager.
	client.EnableAutoReconnect = false

	s := newSession(client, bus, d.archive, d.logger)
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

func (d *Driver) Close() error {
	return d.container.Close()
}
