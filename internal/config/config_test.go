package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMA_CHAT_STORAGE_DSN", "file::memory:")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "GEMA Chat", cfg.AppName)
	require.Equal(t, "sqlite", cfg.StorageDriver)
	require.Equal(t, "file::memory:", cfg.StorageDSN)
	require.Equal(t, "echo", cfg.AIProvider)
	require.Equal(t, time.Second, cfg.AIReplyDelay)
	require.Equal(t, 20*time.Second, cfg.AITimeout)
	require.Equal(t, 10, cfg.AIHistoryLimit)
	require.Equal(t, 30*time.Minute, cfg.LastMessageTTL)
	require.Equal(t, "log", cfg.TelemetrySink)
	require.Equal(t, 256, cfg.TelemetryBuffer)
	require.Zero(t, cfg.RetentionMaxAgeDays)
	require.Equal(t, ":8080", cfg.HTTPAddress())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GEMA_CHAT_APP_PORT", ":9090")
	t.Setenv("GEMA_CHAT_AI_PROVIDER", "NONE")
	t.Setenv("GEMA_CHAT_AI_REPLY_DELAY", "250ms")
	t.Setenv("GEMA_CHAT_TELEMETRY_SINK", "redis")
	t.Setenv("GEMA_CHAT_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GEMA_CHAT_RETENTION_MAX_AGE_DAYS", "30")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, "none", cfg.AIProvider)
	require.Equal(t, 250*time.Millisecond, cfg.AIReplyDelay)
	require.Equal(t, "redis", cfg.TelemetrySink)
	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, 30, cfg.RetentionMaxAgeDays)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Run("storage driver", func(t *testing.T) {
		t.Setenv("GEMA_CHAT_STORAGE_DRIVER", "mongo")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("openai without key", func(t *testing.T) {
		t.Setenv("GEMA_CHAT_AI_PROVIDER", "openai")
		t.Setenv("GEMA_CHAT_OPENAI_API_KEY", "")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("duration", func(t *testing.T) {
		t.Setenv("GEMA_CHAT_AI_TIMEOUT", "soon")
		_, err := Load()
		require.Error(t, err)
	})
}
