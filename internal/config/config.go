// Package config loads gateway settings from the environment, with an
// optional YAML file providing defaults underneath it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every setting the server needs.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Transport TransportConfig
	Session   SessionConfig
	Webhook   WebhookConfig
	Media     MediaConfig
}

// ServerConfig describes the HTTP listener and API guard.
type ServerConfig struct {
	Addr           string
	Env            string
	LogLevel       string
	LogFormat      string
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
}

// StorageConfig describes where credentials and session rows live.
type StorageConfig struct {
	DataDir     string
	SessionsDir string
	DBPath      string
	JournalDir  string
	AuthStore   string // "file" or "sqlite"
	Passphrase  string
}

// TransportConfig describes the protocol bridge.
type TransportConfig struct {
	BridgeURL      string
	ConnectTimeout time.Duration
}

// SessionConfig groups the per-session timing knobs.
type SessionConfig struct {
	AutoReconnect        bool
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	QRTimeout            time.Duration
	KeepAliveInterval    time.Duration
	KeepAliveTimeout     time.Duration
	UseTyping            bool
	MinSendDelay         time.Duration
	MaxSendDelay         time.Duration
	TypingDuration       time.Duration
	TypingInterval       time.Duration
	ReadMessages         bool
	ReadDelay            time.Duration
	CredsSaveTimeout     time.Duration
	DefaultCountryCode   string
}

// WebhookConfig describes the outbound webhook sinks.
type WebhookConfig struct {
	MessageURL    string
	ConnectionURL string
	APIKey        string
	Secret        string
	Timeout       time.Duration
}

// MediaConfig bounds media fetched by URL for send-image/send-file.
type MediaConfig struct {
	FetchTimeout time.Duration
	MaxBytes     int64
}

// Load reads the configuration. When path is empty CONFIG_FILE is
// consulted; a missing file is an error only when named explicitly.
func Load(path string) (*Config, error) {
	src, err := newSource(path)
	if err != nil {
		return nil, err
	}
	return src.build()
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	s := &source{file: map[string]string{}}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		if v == nil {
			continue
		}
		s.file[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return s, nil
}

func (s *source) lookup(key string) (string, bool) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v, true
	}
	if v, ok := s.file[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

func (s *source) getOrDefault(key, def string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return def
}

func (s *source) parseBool(key string, def bool) (bool, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return def, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s *source) parseInt(key string, def int) (int, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s *source) parseFloat(key string, def float64) (float64, error) {
	raw, ok := s.lookup(key)
	if !ok {
		return def, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDuration reads an integer count of unit, rejecting negatives.
func (s *source) parseDuration(key string, def int, unit time.Duration) (time.Duration, error) {
	n, err := s.parseInt(key, def)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, n)
	}
	return time.Duration(n) * unit, nil
}

func (s *source) build() (*Config, error) {
	var (
		cfg Config
		err error
	)
	if cfg.Server, err = s.loadServer(); err != nil {
		return nil, err
	}
	cfg.Storage = s.loadStorage()
	if cfg.Storage.AuthStore != "file" && cfg.Storage.AuthStore != "sqlite" {
		return nil, fmt.Errorf("invalid AUTH_STORE value %q: want file or sqlite", cfg.Storage.AuthStore)
	}
	if cfg.Transport, err = s.loadTransport(); err != nil {
		return nil, err
	}
	if cfg.Session, err = s.loadSession(); err != nil {
		return nil, err
	}
	if cfg.Webhook, err = s.loadWebhook(cfg.Server.APIKey); err != nil {
		return nil, err
	}
	if cfg.Media, err = s.loadMedia(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *source) loadServer() (ServerConfig, error) {
	port := s.getOrDefault("PORT", "8080")
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	addr := port
	if !strings.Contains(port, ":") {
		addr = ":" + port
	}

	rps, err := s.parseFloat("RATE_LIMIT_RPS", 10)
	if err != nil {
		return ServerConfig{}, err
	}
	burst, err := s.parseInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:           addr,
		Env:            s.getOrDefault("APP_ENV", "development"),
		LogLevel:       s.getOrDefault("LOG_LEVEL", "info"),
		LogFormat:      s.getOrDefault("LOG_FORMAT", "text"),
		APIKey:         s.getOrDefault("API_KEY", ""),
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
	}, nil
}

func (s *source) loadStorage() StorageConfig {
	dataDir := s.getOrDefault("DATA_DIR", "data")
	return StorageConfig{
		DataDir:     dataDir,
		SessionsDir: s.getOrDefault("SESSIONS_DIR", filepath.Join(dataDir, "sessions")),
		DBPath:      s.getOrDefault("DB_PATH", filepath.Join(dataDir, "gateway.db")),
		JournalDir:  s.getOrDefault("JOURNAL_DIR", filepath.Join(dataDir, "journal")),
		AuthStore:   strings.ToLower(s.getOrDefault("AUTH_STORE", "file")),
		Passphrase:  s.getOrDefault("AUTH_STORE_PASSPHRASE", ""),
	}
}

func (s *source) loadTransport() (TransportConfig, error) {
	timeout, err := s.parseDuration("WA_CONNECT_TIMEOUT", 120000, time.Millisecond)
	if err != nil {
		return TransportConfig{}, err
	}
	return TransportConfig{
		BridgeURL:      s.getOrDefault("TRANSPORT_BRIDGE_URL", "ws://127.0.0.1:3001/bridge"),
		ConnectTimeout: timeout,
	}, nil
}

func (s *source) loadSession() (SessionConfig, error) {
	var (
		c   SessionConfig
		err error
	)
	ms := time.Millisecond

	if c.AutoReconnect, err = s.parseBool("WA_AUTO_RECONNECT", true); err != nil {
		return c, err
	}
	if c.ReconnectDelay, err = s.parseDuration("WA_RECONNECT_DELAY", 3000, ms); err != nil {
		return c, err
	}
	if c.ReconnectMaxDelay, err = s.parseDuration("WA_RECONNECT_MAX_DELAY", 60000, ms); err != nil {
		return c, err
	}
	if c.ReconnectMaxAttempts, err = s.parseInt("WA_RECONNECT_MAX_ATTEMPTS", 0); err != nil {
		return c, err
	}
	if c.QRTimeout, err = s.parseDuration("WA_QR_TIMEOUT", 60000, ms); err != nil {
		return c, err
	}
	if c.KeepAliveInterval, err = s.parseDuration("WA_KEEPALIVE_INTERVAL", 120000, ms); err != nil {
		return c, err
	}
	if c.KeepAliveTimeout, err = s.parseDuration("WA_KEEPALIVE_TIMEOUT", 30000, ms); err != nil {
		return c, err
	}
	if c.UseTyping, err = s.parseBool("WA_USE_TYPING", true); err != nil {
		return c, err
	}
	if c.MinSendDelay, err = s.parseDuration("WA_MIN_SEND_DELAY", 2, time.Second); err != nil {
		return c, err
	}
	if c.MaxSendDelay, err = s.parseDuration("WA_MAX_SEND_DELAY", 30, time.Second); err != nil {
		return c, err
	}
	if c.TypingDuration, err = s.parseDuration("WA_TYPING_DURATION", 2000, ms); err != nil {
		return c, err
	}
	if c.TypingInterval, err = s.parseDuration("WA_TYPING_INTERVAL", 1000, ms); err != nil {
		return c, err
	}
	if c.ReadMessages, err = s.parseBool("WA_READ_MESSAGES", true); err != nil {
		return c, err
	}
	if c.ReadDelay, err = s.parseDuration("WA_READ_DELAY", 2000, ms); err != nil {
		return c, err
	}
	if c.CredsSaveTimeout, err = s.parseDuration("CREDS_SAVE_TIMEOUT", 10000, ms); err != nil {
		return c, err
	}
	c.DefaultCountryCode = s.getOrDefault("DEFAULT_COUNTRY_CODE", "62")

	if c.MaxSendDelay < c.MinSendDelay {
		return c, fmt.Errorf("WA_MAX_SEND_DELAY (%s) is below WA_MIN_SEND_DELAY (%s)", c.MaxSendDelay, c.MinSendDelay)
	}
	if c.KeepAliveInterval == 0 {
		return c, fmt.Errorf("WA_KEEPALIVE_INTERVAL must be positive")
	}
	return c, nil
}

func (s *source) loadWebhook(apiKey string) (WebhookConfig, error) {
	timeout, err := s.parseDuration("WEBHOOK_TIMEOUT", 5000, time.Millisecond)
	if err != nil {
		return WebhookConfig{}, err
	}
	return WebhookConfig{
		MessageURL:    s.getOrDefault("WEBHOOK_MESSAGE_URL", ""),
		ConnectionURL: s.getOrDefault("WEBHOOK_CONNECTION_URL", ""),
		APIKey:        apiKey,
		Secret:        s.getOrDefault("WEBHOOK_SECRET", apiKey),
		Timeout:       timeout,
	}, nil
}

func (s *source) loadMedia() (MediaConfig, error) {
	timeout, err := s.parseDuration("MEDIA_FETCH_TIMEOUT", 30000, time.Millisecond)
	if err != nil {
		return MediaConfig{}, err
	}
	maxBytes, err := s.parseInt("MEDIA_MAX_BYTES", 16<<20)
	if err != nil {
		return MediaConfig{}, err
	}
	if maxBytes <= 0 {
		return MediaConfig{}, fmt.Errorf("invalid MEDIA_MAX_BYTES value %d", maxBytes)
	}
	return MediaConfig{FetchTimeout: timeout, MaxBytes: int64(maxBytes)}, nil
}
