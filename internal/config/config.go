// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config holds all server configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/throne.db"`
	LogFile     string `env:"LOG_FILE"`

	JWTSecret   string        `env:"JWT_SECRET"`
	AdminEmails []string      `env:"ADMIN_EMAILS" envSeparator:","`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	UsageWindow        time.Duration `env:"USAGE_WINDOW" envDefault:"24h"`
	UsageSweepInterval time.Duration `env:"USAGE_SWEEP_INTERVAL" envDefault:"5m"`

	ResponderAddr    string        `env:"RESPONDER_ADDR"`
	ResponderTimeout time.Duration `env:"RESPONDER_TIMEOUT" envDefault:"30s"`

	CheckoutBaseURL string `env:"CHECKOUT_BASE_URL" envDefault:"http://localhost:8080/checkout"`
	MaxRequestBody  int64  `env:"MAX_REQUEST_BODY" envDefault:"1048576"`

	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// RateLimitConfig controls per-visitor chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int           `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	WindowDuration    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `env:"CONVERSATION_LOG_ENABLED" envDefault:"true"`
	Dir           string `env:"CONVERSATION_LOG_DIR" envDefault:"./data/logs/conversations"`
	GlobalEnabled bool   `env:"CONVERSATION_LOG_GLOBAL_ENABLED" envDefault:"false"`
	GlobalPath    string `env:"CONVERSATION_LOG_GLOBAL_PATH" envDefault:"./data/logs/conversations/all.ndjson"`
	QueueSize     int    `env:"CONVERSATION_LOG_QUEUE_SIZE" envDefault:"1000"`
}

const devJWTSecret = "throne-dev-secret"

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.AdminEmails = trimAll(cfg.AdminEmails)
	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be > 0")
	}
	if c.UsageWindow <= 0 {
		return errors.New("USAGE_WINDOW must be > 0")
	}
	if c.UsageSweepInterval <= 0 {
		return errors.New("USAGE_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return errors.New("MAX_REQUEST_BODY must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// Client holds the visitor-side CLI configuration.
type Client struct {
	Server string `env:"THRONE_SERVER" envDefault:"http://localhost:8080"`
	State  string `env:"THRONE_STATE" envDefault:"./throne-state.db"`
	Email  string `env:"THRONE_EMAIL"`
}

// LoadClient reads the CLI configuration from environment variables.
func LoadClient() (*Client, error) {
	c := &Client{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return c, nil
}
