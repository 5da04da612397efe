package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wabridge/internal/backend"
	"wabridge/internal/bus"
	"wabridge/internal/config"
	"wabridge/internal/delivery"
	"wabridge/internal/metrics"
	"wabridge/internal/notify"
	"wabridge/internal/relay"
	"wabridge/internal/server"
	"wabridge/internal/session"
	"wabridge/internal/store"
	"wabridge/internal/whatsapp"

	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (session + pipeline + ops server)",
		Long:  "Links the WhatsApp session, relays inbound messages to the backend and serves the ops API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)
	messageBus := bus.New(cfg.Relay.BusSize, logger)
	defer messageBus.Close()

	// Journal and archive. The driver treats a nil archive as disabled.
	var st *store.SQLiteStore
	var archive whatsapp.Archive
	if cfg.Store.Enabled {
		st, err = store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("relay store: %w", err)
		}
		defer st.Close()
		archive = st
	}

	driver, err := whatsapp.NewDriver(ctx, whatsapp.DriverConfig{
		StorePath:  cfg.Session.StorePath,
		DeviceName: cfg.Session.DeviceName,
		Archive:    archive,
		Logger:     logger.With("component", "whatsapp"),
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	dedup := relay.NewDedupTracker(cfg.Relay.DedupCapacity)
	if st != nil {
		n, err := dedup.Seed(ctx, st)
		if err != nil {
			return fmt.Errorf("seed dedup from journal: %w", err)
		}
		logger.Info("dedup seeded from journal", "ids", n)
	}

	mgrCfg := session.ManagerConfig{
		Factory:              driver,
		Bus:                  messageBus,
		Events:               events,
		Logger:               logger.With("component", "session"),
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       seconds(cfg.Session.ReconnectDelaySeconds),
		PairingAttempts:      cfg.Session.PairingAttempts,
		PairingTimeout:       seconds(cfg.Session.PairingTimeoutSeconds),
		ConnectTimeout:       seconds(cfg.Session.ConnectTimeoutSeconds),
		MaxConcurrent:        cfg.Relay.MaxConcurrent,
		ShutdownGrace:        seconds(cfg.Relay.ShutdownGraceSeconds),
		PollEnabled:          cfg.Polling.Enabled,
		PollInterval:         seconds(cfg.Polling.IntervalSeconds),
		PollLimit:            cfg.Polling.MessagesPerChat,
		PollLookback:         seconds(cfg.Polling.LookbackSeconds),
		Dedup:                dedup,
	}
	if st != nil && cfg.Store.ArchiveRetentionHours > 0 {
		retention := time.Duration(cfg.Store.ArchiveRetentionHours) * time.Hour
		mgrCfg.OnHeartbeat = func(ctx context.Context) {
			n, err := st.PruneArchive(ctx, retention)
			if err != nil {
				logger.Warn("archive prune failed", "err", err)
				return
			}
			if n > 0 {
				logger.Debug("archive pruned", "rows", n)
			}
		}
	}
	mgr := session.NewManager(mgrCfg)

	queue := delivery.NewQueue(delivery.QueueConfig{
		Sender:        mgr,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		RetryInterval: seconds(cfg.Delivery.RetryIntervalSeconds),
		RatePerSecond: cfg.Delivery.RatePerSecond,
		Events:        events,
		Logger:        logger.With("component", "delivery"),
	})

	forwarder := backend.NewWebhookClient(backend.WebhookConfig{
		BaseURL:      cfg.Backend.BaseURL,
		Path:         cfg.Backend.WebhookPath,
		Token:        cfg.Backend.Token,
		Timeout:      seconds(cfg.Backend.TimeoutSeconds),
		VoiceTimeout: seconds(cfg.Backend.VoiceTimeoutSeconds),
		Onboarding:   cfg.Messages.Onboarding,
		RegisterURL:  cfg.Messages.RegisterURL,
		Logger:       logger.With("component", "backend"),
	})

	pipelineCfg := relay.PipelineConfig{
		Normalizer:     relay.NewNormalizer(cfg.Relay.DefaultCountryCode, cfg.Relay.DomesticLength),
		Filter:         relay.NewFilter(),
		Dedup:          dedup,
		Forwarder:      forwarder,
		Delivery:       queue,
		Media:          mgr,
		Events:         events,
		DedupPush:      cfg.Relay.DedupPushEvents,
		AllowedSenders: cfg.Relay.AllowedSenders,
		Replies: relay.Replies{
			Apology:      cfg.Messages.Apology,
			VoiceApology: cfg.Messages.VoiceApology,
		},
		Logger: logger.With("component", "pipeline"),
	}
	if st != nil {
		pipelineCfg.Recorder = st
	}
	mgr.SetHandler(relay.NewPipeline(pipelineCfg))

	if cfg.Session.PrintQR {
		events.On(bus.EventSessionPairing, printPairingQR)
	}

	if sinks := buildSinks(cfg.Notify); len(sinks) > 0 {
		notifier := notify.NewNotifier(notify.NotifierConfig{Sinks: sinks, Logger: logger.With("component", "notify")})
		notifier.Attach(events)
		go notifier.Run(ctx)
		logger.Info("ops notifications enabled", "sinks", len(sinks))
	}

	if cfg.Server.Enabled {
		if cfg.ServerToken() == "" {
			logger.Warn("no server.authToken or backend.token configured; protected ops endpoints will refuse every request")
		}
		srvCfg := server.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			Token:   cfg.ServerToken(),
			Version: version,
			Session: mgr,
			Health:  session.NewHealthReporter(mgr),
			Sender:  queue,
			Events:  events,
			Logger:  logger.With("component", "server"),
		}
		if cfg.Metrics.Enabled {
			srvCfg.Metrics = metrics.Collector.Handler()
			srvCfg.MetricsPath = cfg.Metrics.Endpoint
		}
		srv := server.New(srvCfg)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("ops server error", "err", err)
			}
		}()
	}

	logger.Info("wabridge started. Press Ctrl+C to stop.",
		"version", version,
		"backend", cfg.Backend.BaseURL+cfg.Backend.WebhookPath,
		"polling", cfg.Polling.Enabled,
	)

	if err := mgr.Run(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// printPairingQR renders each pairing code on the terminal.
func printPairingQR(e bus.Event) {
	code, _ := e.Payload["code"].(string)
	if code == "" {
		return
	}
	fmt.Fprintln(os.Stdout, "\nScan this QR code from WhatsApp > Linked devices:")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	if exp, ok := e.Payload["expires_at"].(time.Time); ok {
		fmt.Fprintf(os.Stdout, "Code expires at %s\n\n", exp.Format(time.Kitchen))
	}
}

func buildSinks(nc config.NotifyConfig) []notify.Sink {
	var sinks []notify.Sink
	if t := nc.Telegram; t.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{Token: t.Token, ChatID: t.ChatID})
		if err != nil {
			logger.Warn("telegram notifications disabled", "err", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	if s := nc.Slack; s.Enabled {
		sinks = append(sinks, notify.NewSlack(s.WebhookURL, nil))
	}
	if d := nc.Discord; d.Enabled {
		dc, err := notify.NewDiscord(notify.DiscordConfig{WebhookID: d.WebhookID, WebhookToken: d.WebhookToken})
		if err != nil {
			logger.Warn("discord notifications disabled", "err", err)
		} else {
			sinks = append(sinks, dc)
		}
	}
	return sinks
}
