// Package config loads Pollexy's runtime configuration from the environment.
//
// A .env file in the working directory is loaded first (it never overrides variables
// that are already set), then the typed Config is parsed with caarlos0/env.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultStateDir is the default directory for Pollexy state data
	DefaultStateDir = "/var/lib/pollexy"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pollexy.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Config holds every setting the serve command needs.
type Config struct {
	StateDir    string `env:"POLLEXY_STATE_DIR" envDefault:"/var/lib/pollexy"`
	DatabaseURL string `env:"DATABASE_URL"`
	// MemoryStore keeps everything in process memory; nothing survives a restart.
	MemoryStore bool   `env:"POLLEXY_MEMORY_STORE"`
	APIAddr     string `env:"POLLEXY_API_ADDR" envDefault:":8080"`
	LogLevel    string `env:"POLLEXY_LOG_LEVEL" envDefault:"info"`

	CycleSpec        string        `env:"POLLEXY_CYCLE_SPEC" envDefault:"@every 1m"`
	MessageExpiry    time.Duration `env:"POLLEXY_MESSAGE_EXPIRY" envDefault:"1h"`
	AdvanceOnFailure bool          `env:"POLLEXY_ADVANCE_ON_FAILURE" envDefault:"true"`
	DefaultTimeZone  string        `env:"POLLEXY_DEFAULT_TIME_ZONE" envDefault:"UTC"`

	PollInterval   time.Duration `env:"POLLEXY_POLL_INTERVAL" envDefault:"5s"`
	RequireMotion  bool          `env:"POLLEXY_REQUIRE_MOTION"`
	MotionMaxAge   time.Duration `env:"POLLEXY_MOTION_MAX_AGE" envDefault:"10m"`
	ConfirmRetries int           `env:"POLLEXY_CONFIRM_RETRIES" envDefault:"3"`
	ConfirmTimeout time.Duration `env:"POLLEXY_CONFIRM_TIMEOUT" envDefault:"30s"`
	Chime          string        `env:"POLLEXY_CHIME" envDefault:"ding"`

	OpenAIKey   string `env:"OPENAI_API_KEY"`
	OpenAIModel string `env:"POLLEXY_OPENAI_MODEL"`

	TwilioAccountSID   string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber   string `env:"TWILIO_FROM_NUMBER"`
	TwilioChimeURL     string `env:"TWILIO_CHIME_URL"`
	// TwilioWhatsAppFrom sends whatsapp locations through Twilio when no WhatsApp session is enabled.
	TwilioWhatsAppFrom string `env:"TWILIO_WHATSAPP_FROM"`

	WhatsAppEnabled bool   `env:"POLLEXY_WHATSAPP"`
	WhatsAppDSN     string `env:"WHATSAPP_DB_DSN"`
	WhatsAppQRPath  string `env:"WHATSAPP_QR_OUTPUT"`
}

// Load reads .env files (default ".env") and parses the environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: .env file loaded")
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	slog.Debug("config.Load: environment parsed",
		"state_dir", cfg.StateDir,
		"database_url_set", cfg.DatabaseURL != "",
		"api_addr", cfg.APIAddr,
		"cycle_spec", cfg.CycleSpec,
		"openai_key_set", cfg.OpenAIKey != "",
		"twilio_set", cfg.TwilioEnabled(),
		"whatsapp", cfg.WhatsAppEnabled)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.WhatsAppDSN == "" {
		if c.DatabaseURL != "" {
			c.WhatsAppDSN = c.DatabaseURL
		} else {
			c.WhatsAppDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
}

// StoreDSN returns the DSN the main store should open; empty means in-memory.
func (c Config) StoreDSN() string {
	if c.MemoryStore {
		return ""
	}
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// TwilioEnabled reports whether voice calls can be placed.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// TwilioWhatsAppEnabled reports whether WhatsApp texts can go through Twilio.
func (c Config) TwilioWhatsAppEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioWhatsAppFrom != ""
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.DefaultTimeZone); err != nil {
		return fmt.Errorf("invalid POLLEXY_DEFAULT_TIME_ZONE %q: %w", c.DefaultTimeZone, err)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.CycleSpec); err != nil {
		return fmt.Errorf("invalid POLLEXY_CYCLE_SPEC %q: %w", c.CycleSpec, err)
	}
	if c.MessageExpiry <= 0 {
		return errors.New("POLLEXY_MESSAGE_EXPIRY must be positive")
	}
	if c.ConfirmRetries <= 0 {
		return errors.New("POLLEXY_CONFIRM_RETRIES must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("POLLEXY_CONFIRM_TIMEOUT must be positive")
	}
	return nil
}

// ParseLogLevel maps debug/info/warn/error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}
