package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NUTRIPIPE_STATE_DIR", "DATABASE_URL", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
		"API_ADDR", "LOG_FORMAT", "LOG_LEVEL", "CHAT_HISTORY_LIMIT", "EXECLOG_BUFFER",
		"EXECLOG_S3_BUCKET", "EXECLOG_S3_PREFIX", "TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN",
		"TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL", "WHATSAPP_ENABLED", "WHATSAPP_DB_DSN",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultDBFileName), cfg.DatabaseURL)
	assert.Equal(t, filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName), cfg.WhatsAppDBDSN)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, 20, cfg.HistoryLimit)
	assert.Equal(t, 256, cfg.ExecLogBuffer)
	assert.Equal(t, "executions", cfg.ExecLogS3Prefix)
	assert.False(t, cfg.WhatsAppEnabled)
	assert.False(t, cfg.TwilioEnabled())
	assert.True(t, cfg.SQLite())
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NUTRIPIPE_STATE_DIR", "/tmp/np")
	t.Setenv("DATABASE_URL", "postgres://np@localhost/np?sslmode=disable")
	t.Setenv("CHAT_HISTORY_LIMIT", "5")
	t.Setenv("WHATSAPP_ENABLED", "true")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001111")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/np", cfg.StateDir)
	assert.False(t, cfg.SQLite())
	assert.Equal(t, 5, cfg.HistoryLimit)
	assert.True(t, cfg.WhatsAppEnabled)
	assert.True(t, cfg.TwilioEnabled())
	assert.Equal(t, filepath.Join("/tmp/np", DefaultWhatsAppDBFileName), cfg.WhatsAppDBDSN)
}

func TestFromEnvRejectsBadNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHAT_HISTORY_LIMIT", "lots")

	_, err := FromEnv()
	assert.Error(t, err)
}
