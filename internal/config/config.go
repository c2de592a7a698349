// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: env vars > .env > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// Server basics
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Auth. An empty secret disables token verification and every
	// connection authenticates anonymously.
	JWTSecret      string `env:"JWT_SECRET"`
	RequireAuth    bool   `env:"REQUIRE_AUTH" envDefault:"false"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"*"`

	// Storage. Empty DATABASE_URL selects the in-memory adapter; empty
	// REDIS_URL disables multi-instance coordination.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Protocol timing
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	BatchWindow       time.Duration `env:"BATCH_WINDOW" envDefault:"50ms"`
	AckTimeout        time.Duration `env:"ACK_TIMEOUT" envDefault:"5s"`
	AckMaxRetries     int           `env:"ACK_MAX_RETRIES" envDefault:"3"`
	AwarenessTimeout  time.Duration `env:"AWARENESS_TIMEOUT" envDefault:"30s"`

	// Capacity and abuse limits
	MaxConnections      int   `env:"MAX_CONNECTIONS" envDefault:"10000"`
	MaxConnectionsPerIP int   `env:"MAX_CONNECTIONS_PER_IP" envDefault:"50"`
	MessageRate         int   `env:"MESSAGE_RATE" envDefault:"100"`
	MessageBurst        int   `env:"MESSAGE_BURST" envDefault:"200"`
	MaxMessageSize      int64 `env:"MAX_MESSAGE_SIZE" envDefault:"2000000"`
	MaxDocuments        int   `env:"MAX_DOCUMENTS" envDefault:"1024"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
}

// Load reads configuration from a .env file (if present) and the
// environment, then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_IP must be > 0, got %d", c.MaxConnectionsPerIP)
	}
	if c.MessageRate < 1 {
		return fmt.Errorf("MESSAGE_RATE must be > 0, got %d", c.MessageRate)
	}
	if c.MessageBurst < c.MessageRate {
		return fmt.Errorf("MESSAGE_BURST (%d) must be >= MESSAGE_RATE (%d)", c.MessageBurst, c.MessageRate)
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("BATCH_WINDOW must be > 0, got %s", c.BatchWindow)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ACK_TIMEOUT must be > 0, got %s", c.AckTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}

	if c.RequireAuth && c.JWTSecret == "" {
		return fmt.Errorf("REQUIRE_AUTH needs JWT_SECRET")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
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

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins returns the allowed CORS/WebSocket origins. A single "*" allows
// everything.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs the effective configuration, omitting secrets.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.ListenAddr()).
		Bool("auth_required", c.RequireAuth).
		Bool("postgres", c.DatabaseURL != "").
		Bool("redis", c.RedisURL != "").
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("batch_window", c.BatchWindow).
		Dur("ack_timeout", c.AckTimeout).
		Int("ack_max_retries", c.AckMaxRetries).
		Dur("awareness_timeout", c.AwarenessTimeout).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_ip", c.MaxConnectionsPerIP).
		Int("message_rate", c.MessageRate).
		Int64("max_message_size", c.MaxMessageSize).
		Int("max_documents", c.MaxDocuments).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("server configuration loaded")
}
