package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for wabridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Polling  PollingConfig  `json:"polling" yaml:"polling"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Delivery DeliveryConfig `json:"delivery" yaml:"delivery"`
	Messages MessagesConfig `json:"messages" yaml:"messages"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`   // debug | info | warn | error
	LogFormat string `json:"logFormat" yaml:"logFormat"` // text | json
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// SessionConfig controls the WhatsApp session lifecycle.
type SessionConfig struct {
	StorePath             string `json:"storePath" yaml:"storePath"` // whatsmeow device store (sqlite)
	DeviceName            string `json:"deviceName" yaml:"deviceName"`
	MaxReconnectAttempts  int    `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
	ReconnectDelaySeconds int    `json:"reconnectDelaySeconds" yaml:"reconnectDelaySeconds"` // multiplied by the attempt number
	PairingAttempts       int    `json:"pairingAttempts" yaml:"pairingAttempts"`
	PairingTimeoutSeconds int    `json:"pairingTimeoutSeconds" yaml:"pairingTimeoutSeconds"`
	ConnectTimeoutSeconds int    `json:"connectTimeoutSeconds" yaml:"connectTimeoutSeconds"`
	PrintQR               bool   `json:"printQR" yaml:"printQR"` // render pairing codes on the terminal
}

type RelayConfig struct {
	DefaultCountryCode   string         `json:"defaultCountryCode" yaml:"defaultCountryCode"`
	DomesticLength       int            `json:"domesticLength" yaml:"domesticLength"`
	DedupCapacity        int            `json:"dedupCapacity" yaml:"dedupCapacity"`
	DedupPushEvents      bool           `json:"dedupPushEvents" yaml:"dedupPushEvents"`
	MaxConcurrent        int            `json:"maxConcurrent" yaml:"maxConcurrent"`
	BusSize              int            `json:"busSize" yaml:"busSize"`
	ShutdownGraceSeconds int            `json:"shutdownGraceSeconds" yaml:"shutdownGraceSeconds"`
	AllowedSenders       FlexStringList `json:"allowedSenders,omitempty" yaml:"allowedSenders,omitempty"`
}

type PollingConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IntervalSeconds int  `json:"intervalSeconds" yaml:"intervalSeconds"`
	MessagesPerChat int  `json:"messagesPerChat" yaml:"messagesPerChat"`
	LookbackSeconds int  `json:"lookbackSeconds" yaml:"lookbackSeconds"`
}

type BackendConfig struct {
	BaseURL             string `json:"baseURL" yaml:"baseURL"`
	WebhookPath         string `json:"webhookPath" yaml:"webhookPath"`
	Token               string `json:"token" yaml:"token"`
	TimeoutSeconds      int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	VoiceTimeoutSeconds int    `json:"voiceTimeoutSeconds" yaml:"voiceTimeoutSeconds"`
}

type DeliveryConfig struct {
	MaxAttempts          int     `json:"maxAttempts" yaml:"maxAttempts"`
	RetryIntervalSeconds int     `json:"retryIntervalSeconds" yaml:"retryIntervalSeconds"`
	RatePerSecond        float64 `json:"ratePerSecond" yaml:"ratePerSecond"` // 0 = unlimited
}

// MessagesConfig holds user-facing texts. Onboarding accepts {phone} and {registerURL}.
type MessagesConfig struct {
	Onboarding   string `json:"onboarding" yaml:"onboarding"`
	RegisterURL  string `json:"registerURL" yaml:"registerURL"`
	Apology      string `json:"apology" yaml:"apology"`
	VoiceApology string `json:"voiceApology" yaml:"voiceApology"`
}

type ServerConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"` // falls back to backend.token
}

type StoreConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	DBPath                string `json:"dbPath" yaml:"dbPath"`
	ArchiveRetentionHours int    `json:"archiveRetentionHours" yaml:"archiveRetentionHours"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram" yaml:"telegram"`
	Slack    SlackNotifyConfig    `json:"slack" yaml:"slack"`
	Discord  DiscordNotifyConfig  `json:"discord" yaml:"discord"`
}

type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty" yaml:"chatId,omitempty"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhookURL,omitempty" yaml:"webhookURL,omitempty"`
}

type DiscordNotifyConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	WebhookID    string `json:"webhookId,omitempty" yaml:"webhookId,omitempty"`
	WebhookToken string `json:"webhookToken,omitempty" yaml:"webhookToken,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that also accepts numbers and a single
// comma-separated string, so phone lists survive env substitution.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = splitList(single)
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*f = splitList(node.Value)
		return nil
	}
	var ss []string
	if err := node.Decode(&ss); err != nil {
		return err
	}
	*f = ss
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultConfigDir returns ~/.wabridge.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config file at path (JSON, or YAML for .yaml/.yml), expands
// ${VAR} references, applies environment overrides and validates the result.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = []byte(ExpandEnvVars(string(data)))
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Session.StorePath = ExpandPath(cfg.Session.StorePath)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// ApplyEnv overlays the bridge's environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var errs []string
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", name, v))
			return
		}
		*dst = n
	}

	str("FLASK_URL", &cfg.Backend.BaseURL)
	str("BACKEND_URL", &cfg.Backend.BaseURL)
	str("WHATSAPP_AUTH_TOKEN", &cfg.Backend.Token)
	str("DEFAULT_COUNTRY_CODE", &cfg.Relay.DefaultCountryCode)
	str("REGISTER_URL", &cfg.Messages.RegisterURL)
	num("WHATSAPP_SERVER_PORT", &cfg.Server.Port)
	num("DEDUP_CAPACITY", &cfg.Relay.DedupCapacity)
	num("MAX_RECONNECT_ATTEMPTS", &cfg.Session.MaxReconnectAttempts)
	num("POLL_INTERVAL_SECONDS", &cfg.Polling.IntervalSeconds)
	if v, ok := os.LookupEnv("ALLOWED_SENDERS"); ok && strings.TrimSpace(v) != "" {
		cfg.Relay.AllowedSenders = splitList(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Save writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "backend.baseURL must be an absolute URL")
	}
	if cfg.Backend.TimeoutSeconds < 1 {
		errs = append(errs, "backend.timeoutSeconds must be >= 1")
	}
	if cfg.Backend.VoiceTimeoutSeconds < cfg.Backend.TimeoutSeconds {
		errs = append(errs, "backend.voiceTimeoutSeconds must be >= backend.timeoutSeconds")
	}

	if digits := strings.Trim(cfg.Relay.DefaultCountryCode, "+"); digits == "" || strings.Trim(digits, "0123456789") != "" {
		errs = append(errs, "relay.defaultCountryCode must be digits")
	}
	if cfg.Relay.DomesticLength < 4 || cfg.Relay.DomesticLength > 15 {
		errs = append(errs, "relay.domesticLength must be between 4 and 15")
	}
	if cfg.Relay.DedupCapacity < 1 {
		errs = append(errs, "relay.dedupCapacity must be >= 1")
	}
	if cfg.Relay.MaxConcurrent < 1 || cfg.Relay.MaxConcurrent > 256 {
		errs = append(errs, "relay.maxConcurrent must be between 1 and 256")
	}

	if cfg.Session.MaxReconnectAttempts < 0 {
		errs = append(errs, "session.maxReconnectAttempts must be >= 0")
	}
	if cfg.Session.ReconnectDelaySeconds < 1 {
		errs = append(errs, "session.reconnectDelaySeconds must be >= 1")
	}
	if cfg.Session.PairingAttempts < 1 {
		errs = append(errs, "session.pairingAttempts must be >= 1")
	}
	if cfg.Session.PairingTimeoutSeconds < 10 {
		errs = append(errs, "session.pairingTimeoutSeconds must be >= 10")
	}

	if cfg.Polling.Enabled && cfg.Polling.IntervalSeconds < 1 {
		errs = append(errs, "polling.intervalSeconds must be >= 1")
	}
	if cfg.Polling.Enabled && !cfg.Store.Enabled {
		errs = append(errs, "polling.enabled requires store.enabled")
	}
	if cfg.Delivery.MaxAttempts < 1 || cfg.Delivery.MaxAttempts > 10 {
		errs = append(errs, "delivery.maxAttempts must be between 1 and 10")
	}
	if cfg.Delivery.RetryIntervalSeconds < 0 {
		errs = append(errs, "delivery.retryIntervalSeconds must be >= 0")
	}
	if cfg.Delivery.RatePerSecond < 0 {
		errs = append(errs, "delivery.ratePerSecond must be >= 0")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if t := cfg.Notify.Telegram; t.Enabled && (t.Token == "" || t.ChatID == 0) {
		errs = append(errs, "notify.telegram requires token and chatId")
	}
	if s := cfg.Notify.Slack; s.Enabled && s.WebhookURL == "" {
		errs = append(errs, "notify.slack requires webhookURL")
	}
	if d := cfg.Notify.Discord; d.Enabled && (d.WebhookID == "" || d.WebhookToken == "") {
		errs = append(errs, "notify.discord requires webhookId and webhookToken")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ServerToken returns the token protecting the ops endpoints.
func (c *Config) ServerToken() string {
	if c.Server.AuthToken != "" {
		return c.Server.AuthToken
	}
	return c.Backend.Token
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
