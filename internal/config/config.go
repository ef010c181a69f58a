// Package config loads NutriPipe settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/NutriPipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for NutriPipe state data
	DefaultStateDir = "/var/lib/nutripipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "nutripipe.db"
	// DefaultWhatsAppDBFileName holds the WhatsApp device session
	DefaultWhatsAppDBFileName = "whatsapp.db"
)

// Config holds environment configuration.
type Config struct {
	StateDir     string `env:"NUTRIPIPE_STATE_DIR,default=/var/lib/nutripipe"`
	DatabaseURL  string `env:"DATABASE_URL"`
	OpenAIKey    string `env:"OPENAI_API_KEY"`
	OpenAIModel  string `env:"OPENAI_MODEL"`
	OpenAIURL    string `env:"OPENAI_BASE_URL"`
	APIAddr      string `env:"API_ADDR,default=:8080"`
	LogFormat    string `env:"LOG_FORMAT,default=text"`
	LogLevel     string `env:"LOG_LEVEL,default=debug"`
	HistoryLimit int    `env:"CHAT_HISTORY_LIMIT,default=20"`

	ExecLogBuffer   int    `env:"EXECLOG_BUFFER,default=256"`
	ExecLogS3Bucket string `env:"EXECLOG_S3_BUCKET"`
	ExecLogS3Prefix string `env:"EXECLOG_S3_PREFIX,default=executions"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `env:"TWILIO_WEBHOOK_URL"`

	WhatsAppEnabled bool   `env:"WHATSAPP_ENABLED,default=false"`
	WhatsAppDBDSN   string `env:"WHATSAPP_DB_DSN"`
}

// Load reads .env when present, then decodes the environment into a Config
// and fills derived defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}
	return FromEnv()
}

// FromEnv decodes the current environment without reading .env.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	cfg.applyDefaults()
	slog.Debug("config.FromEnv: environment decoded",
		"NUTRIPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"API_ADDR", cfg.APIAddr,
		"TWILIO_ENABLED", cfg.TwilioEnabled(),
		"WHATSAPP_ENABLED", cfg.WhatsAppEnabled,
		"EXECLOG_S3_BUCKET", cfg.ExecLogS3Bucket)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = filepath.Join(c.StateDir, DefaultWhatsAppDBFileName)
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
}

// TwilioEnabled reports whether Twilio credentials are complete.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// SQLite reports whether DatabaseURL points at a SQLite file.
func (c Config) SQLite() bool {
	return store.DetectDSNType(c.DatabaseURL) == "sqlite3"
}
