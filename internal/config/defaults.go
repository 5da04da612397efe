package config

import "wabridge/internal/relay"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.wabridge",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Session: SessionConfig{
			StorePath:             "~/.wabridge/session.db",
			DeviceName:            "wabridge",
			MaxReconnectAttempts:  5,
			ReconnectDelaySeconds: 10,
			PairingAttempts:       3,
			PairingTimeoutSeconds: 60,
			ConnectTimeoutSeconds: 30,
			PrintQR:               true,
		},
		Relay: RelayConfig{
			DefaultCountryCode:   "55",
			DomesticLength:       11,
			DedupCapacity:        1000,
			DedupPushEvents:      true,
			MaxConcurrent:        16,
			BusSize:              256,
			ShutdownGraceSeconds: 10,
		},
		Polling: PollingConfig{
			Enabled:         true,
			IntervalSeconds: 5,
			MessagesPerChat: 20,
			LookbackSeconds: 60,
		},
		Backend: BackendConfig{
			BaseURL:             "http://localhost:5000",
			WebhookPath:         "/api/whatsapp/webhook",
			TimeoutSeconds:      30,
			VoiceTimeoutSeconds: 60,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:          3,
			RetryIntervalSeconds: 2,
		},
		Messages: MessagesConfig{
			RegisterURL:  "http://localhost:5000/register",
			Apology:      relay.DefaultApology,
			VoiceApology: relay.DefaultVoiceApology,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3000,
		},
		Store: StoreConfig{
			Enabled:               true,
			DBPath:                "~/.wabridge/relay.db",
			ArchiveRetentionHours: 72,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
