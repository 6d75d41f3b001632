// Package config loads server configuration from the environment, with an
// optional .env file for development. Priority: ENV vars > .env file >
// defaults.
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
	Addr        string `env:"SENSOCTO_ADDR" envDefault:":4004"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Storage tiers
	HotCapacity  int `env:"SENSOCTO_HOT_CAPACITY" envDefault:"500"`
	WarmCapacity int `env:"SENSOCTO_WARM_CAPACITY" envDefault:"10000"`

	// Mailboxes
	MailboxCapacity int `env:"SENSOCTO_MAILBOX_CAPACITY" envDefault:"1024"`
	InboxCapacity   int `env:"SENSOCTO_INBOX_CAPACITY" envDefault:"256"`

	// Supervision
	GraceDelay     time.Duration `env:"SENSOCTO_GRACE_DELAY" envDefault:"200ms"`
	RestartLimit   int           `env:"SENSOCTO_RESTART_LIMIT" envDefault:"5"`
	RestartWindow  time.Duration `env:"SENSOCTO_RESTART_WINDOW" envDefault:"10s"`
	PoisonDuration time.Duration `env:"SENSOCTO_POISON_DURATION" envDefault:"30s"`

	// Load monitor weights, normalized at startup
	WeightCPU     float64 `env:"SENSOCTO_WEIGHT_CPU" envDefault:"0.45"`
	WeightBus     float64 `env:"SENSOCTO_WEIGHT_BUS" envDefault:"0.30"`
	WeightMailbox float64 `env:"SENSOCTO_WEIGHT_MAILBOX" envDefault:"0.15"`
	WeightMem     float64 `env:"SENSOCTO_WEIGHT_MEM" envDefault:"0.10"`

	// Session limits
	MaxFrameRate  int `env:"SENSOCTO_MAX_FRAME_RATE" envDefault:"200"` // frames per second per session
	MaxFrameBurst int `env:"SENSOCTO_MAX_FRAME_BURST" envDefault:"400"`
	SendQueueSize int `env:"SENSOCTO_SEND_QUEUE_SIZE" envDefault:"256"`

	// Auth
	JWTSecret string `env:"SENSOCTO_JWT_SECRET" envDefault:""`
	JWTIssuer string `env:"SENSOCTO_JWT_ISSUER" envDefault:"sensocto"`
	DevToken  string `env:"SENSOCTO_DEV_TOKEN" envDefault:""`

	// Cold storage (optional)
	NATSUrl          string        `env:"NATS_URL" envDefault:""`
	ColdStreamName   string        `env:"SENSOCTO_COLD_STREAM" envDefault:"SENSOCTO_COLD"`
	ColdStreamMaxAge time.Duration `env:"SENSOCTO_COLD_MAX_AGE" envDefault:"24h"`

	// Attribute vocabulary; empty means the built-in default set
	AttributeVocabulary []string `env:"SENSOCTO_ATTRIBUTE_VOCABULARY" envSeparator:","`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
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

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SENSOCTO_ADDR is required")
	}
	if c.HotCapacity < 1 {
		return fmt.Errorf("SENSOCTO_HOT_CAPACITY must be > 0, got %d", c.HotCapacity)
	}
	if c.WarmCapacity < 1 {
		return fmt.Errorf("SENSOCTO_WARM_CAPACITY must be > 0, got %d", c.WarmCapacity)
	}
	if c.MailboxCapacity < 1 {
		return fmt.Errorf("SENSOCTO_MAILBOX_CAPACITY must be > 0, got %d", c.MailboxCapacity)
	}
	if c.GraceDelay < 50*time.Millisecond {
		return fmt.Errorf("SENSOCTO_GRACE_DELAY must be >= 50ms, got %s", c.GraceDelay)
	}
	if c.WeightCPU+c.WeightBus+c.WeightMailbox+c.WeightMem <= 0 {
		return fmt.Errorf("load weights must sum to a positive value")
	}
	if c.JWTSecret == "" && c.DevToken == "" {
		return fmt.Errorf("one of SENSOCTO_JWT_SECRET or SENSOCTO_DEV_TOKEN is required")
	}
	for _, id := range c.AttributeVocabulary {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("SENSOCTO_ATTRIBUTE_VOCABULARY contains an empty entry")
		}
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

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("hot_capacity", c.HotCapacity).
		Int("warm_capacity", c.WarmCapacity).
		Int("mailbox_capacity", c.MailboxCapacity).
		Dur("grace_delay", c.GraceDelay).
		Int("max_frame_rate", c.MaxFrameRate).
		Str("nats_url", c.NATSUrl).
		Bool("jwt_enabled", c.JWTSecret != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
