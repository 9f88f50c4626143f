package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"RELAY_ADDR" envDefault:":3100"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Grant signing keys. Base64 (std encoding) of the raw Ed25519 key
	// material: 64-byte private key, 32-byte public key. The private key is
	// required; the public key defaults to the one embedded in the private
	// key when empty.
	SignerPrivateKey  string `env:"GRANT_SIGNING_KEY"`
	VerifierPublicKey string `env:"GRANT_VERIFY_KEY"`

	// Grant issuance
	GrantRateLimit  int           `env:"GRANT_RATE_LIMIT" envDefault:"5"`
	GrantRateWindow time.Duration `env:"GRANT_RATE_WINDOW" envDefault:"2h"`

	// Backends. One Redis serves the key resolver, grant cache and rate
	// limiter; when empty, in-memory implementations are used (dev/test).
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Dev keystore seeding: comma-separated "secret=projectID" pairs loaded
	// into the in-memory keystore. Ignored when REDIS_ADDR is set.
	DevSecretKeys string `env:"DEV_SECRET_KEYS"`

	// Usage webhook
	WebhookURL    string `env:"USAGE_WEBHOOK_URL"`
	WebhookSecret string `env:"USAGE_WEBHOOK_SECRET"`

	// Peer bridge
	NATSUrl string `env:"NATS_URL"`
	NodeID  string `env:"RELAY_NODE_ID"`

	// Channel behavior
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL" envDefault:"25s"`
	ConnectGrace      time.Duration `env:"RELAY_CONNECT_GRACE" envDefault:"10s"`
	ChannelIdleTTL    time.Duration `env:"RELAY_CHANNEL_IDLE_TTL" envDefault:"5m"`
	LocationHint      string        `env:"RELAY_LOCATION_HINT" envDefault:"default"`

	// Resource limits
	MaxConnections     int     `env:"RELAY_MAX_CONNECTIONS" envDefault:"10000"`
	MaxConnsPerChannel int     `env:"RELAY_MAX_CONNS_PER_CHANNEL" envDefault:"1000"`
	MaxFrameBytes      int64   `env:"RELAY_MAX_FRAME_BYTES" envDefault:"131072"`
	EgressBudgetBytes  int64   `env:"RELAY_EGRESS_BUDGET_BYTES" envDefault:"1048576"`
	MaxGoroutines      int     `env:"RELAY_MAX_GOROUTINES" envDefault:"50000"`
	CPURejectThreshold float64 `env:"RELAY_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Upgrade admission rate limits (DoS protection)
	ConnRateLimitEnabled bool    `env:"RELAY_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateIPBurst      int     `env:"RELAY_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate       float64 `env:"RELAY_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"RELAY_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalRate   float64 `env:"RELAY_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// Inbound frame rate limiting, per connection
	FrameRateBurst int     `env:"RELAY_FRAME_RATE_BURST" envDefault:"100"`
	FrameRate      float64 `env:"RELAY_FRAME_RATE" envDefault:"50.0"`

	// Usage shipper
	UsageBatchSize    int           `env:"USAGE_BATCH_SIZE" envDefault:"100"`
	UsageFlushAge     time.Duration `env:"USAGE_FLUSH_AGE" envDefault:"2s"`
	UsageBufferSize   int           `env:"USAGE_BUFFER_SIZE" envDefault:"10000"`
	UsageMaxRetries   int           `env:"USAGE_MAX_RETRIES" envDefault:"3"`
	UsageHTTPTimeout  time.Duration `env:"USAGE_HTTP_TIMEOUT" envDefault:"10s"`
	UsageWorkers      int           `env:"USAGE_WORKERS" envDefault:"4"`

	// HTTP server
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors. Missing signing material and a
// webhook URL without its shared secret are fatal: the process must not come
// up able to mint unverifiable grants or ship unsigned usage.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.SignerPrivateKey == "" {
		return fmt.Errorf("GRANT_SIGNING_KEY is required")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("USAGE_WEBHOOK_SECRET is required when USAGE_WEBHOOK_URL is set")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnsPerChannel < 1 {
		return fmt.Errorf("RELAY_MAX_CONNS_PER_CHANNEL must be > 0, got %d", c.MaxConnsPerChannel)
	}
	if c.EgressBudgetBytes < 1 {
		return fmt.Errorf("RELAY_EGRESS_BUDGET_BYTES must be > 0, got %d", c.EgressBudgetBytes)
	}
	if c.MaxFrameBytes < 1 {
		return fmt.Errorf("RELAY_MAX_FRAME_BYTES must be > 0, got %d", c.MaxFrameBytes)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RELAY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.GrantRateLimit < 1 {
		return fmt.Errorf("GRANT_RATE_LIMIT must be > 0, got %d", c.GrantRateLimit)
	}
	if c.GrantRateWindow <= 0 {
		return fmt.Errorf("GRANT_RATE_WINDOW must be > 0, got %s", c.GrantRateWindow)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("RELAY_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.ConnectGrace <= 0 {
		return fmt.Errorf("RELAY_CONNECT_GRACE must be > 0, got %s", c.ConnectGrace)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration with structured fields. Secrets
// are reported by presence only.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Bool("signing_key_set", c.SignerPrivateKey != "").
		Bool("verify_key_set", c.VerifierPublicKey != "").
		Str("redis_addr", c.RedisAddr).
		Str("webhook_url", c.WebhookURL).
		Str("nats_url", c.NATSUrl).
		Str("location_hint", c.LocationHint).
		Int("max_connections", c.MaxConnections).
		Int("max_conns_per_channel", c.MaxConnsPerChannel).
		Int64("egress_budget_bytes", c.EgressBudgetBytes).
		Int64("max_frame_bytes", c.MaxFrameBytes).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("connect_grace", c.ConnectGrace).
		Dur("channel_idle_ttl", c.ChannelIdleTTL).
		Int("grant_rate_limit", c.GrantRateLimit).
		Dur("grant_rate_window", c.GrantRateWindow).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Relay configuration loaded")
}
