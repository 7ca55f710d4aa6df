package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName string
	AppEnv  string
	AppPort string

	CORSAllowOrigins string

	StorageDriver string
	StorageDSN    string

	RedisURL       string
	NATSURL        string
	ChannelBase    string
	LastMessageTTL time.Duration

	JWTSecret string

	AIProvider     string
	AIModel        string
	AIReplyDelay   time.Duration
	AITimeout      time.Duration
	AIHistoryLimit int
	OpenAIAPIKey   string

	TelemetrySink   string
	TelemetryBuffer int

	RetentionMaxAgeDays int
	RetentionInterval   time.Duration

	SendRateLimit  int
	SendRateWindow time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA_CHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("http.cors_origins", "*")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "gema-chat.db")
	v.SetDefault("channel.base", "gema")
	v.SetDefault("redis.last_message_ttl", "30m")
	v.SetDefault("ai.provider", "echo")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.reply_delay", "1s")
	v.SetDefault("ai.timeout", "20s")
	v.SetDefault("ai.history_limit", 10)
	v.SetDefault("telemetry.sink", "log")
	v.SetDefault("telemetry.buffer", 256)
	v.SetDefault("retention.max_age_days", 0)
	v.SetDefault("retention.interval", "24h")
	v.SetDefault("rate_limit.send_max", 30)
	v.SetDefault("rate_limit.send_window", "1m")

	durations := map[string]time.Duration{}
	for _, key := range []string{"redis.last_message_ttl", "ai.reply_delay", "ai.timeout", "retention.interval", "rate_limit.send_window"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		CORSAllowOrigins:    v.GetString("http.cors_origins"),
		StorageDriver:       strings.ToLower(v.GetString("storage.driver")),
		StorageDSN:          v.GetString("storage.dsn"),
		RedisURL:            v.GetString("redis.url"),
		NATSURL:             v.GetString("nats.url"),
		ChannelBase:         v.GetString("channel.base"),
		LastMessageTTL:      durations["redis.last_message_ttl"],
		JWTSecret:           v.GetString("jwt.secret"),
		AIProvider:          strings.ToLower(v.GetString("ai.provider")),
		AIModel:             v.GetString("ai.model"),
		AIReplyDelay:        durations["ai.reply_delay"],
		AITimeout:           durations["ai.timeout"],
		AIHistoryLimit:      v.GetInt("ai.history_limit"),
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		TelemetrySink:       strings.ToLower(v.GetString("telemetry.sink")),
		TelemetryBuffer:     v.GetInt("telemetry.buffer"),
		RetentionMaxAgeDays: v.GetInt("retention.max_age_days"),
		RetentionInterval:   durations["retention.interval"],
		SendRateLimit:       v.GetInt("rate_limit.send_max"),
		SendRateWindow:      durations["rate_limit.send_window"],
	}

	switch cfg.StorageDriver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.AIProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("openai api key must be provided when ai.provider=openai")
		}
	case "echo", "none":
	default:
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	if cfg.AIReplyDelay < 0 {
		cfg.AIReplyDelay = time.Second
	}

	if cfg.AIHistoryLimit <= 0 {
		cfg.AIHistoryLimit = 10
	}

	if cfg.TelemetryBuffer <= 0 {
		cfg.TelemetryBuffer = 256
	}

	return cfg, nil
}
