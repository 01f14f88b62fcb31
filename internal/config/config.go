package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env   string `mapstructure:"env"`
	Feed  FeedConfig
	Redis RedisConfig
	Log   LogConfig
}

// FeedConfig holds market-channel connection settings.
type FeedConfig struct {
	URL    string   `mapstructure:"url"`
	Assets []string `mapstructure:"assets"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	BackoffFactor        float64       `mapstructure:"backoff_factor"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	StableWindow         time.Duration `mapstructure:"stable_window"`
}

// RedisConfig holds Redis connection settings for the quote cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from environment variables prefixed with ARGUS_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Feed defaults
	v.SetDefault("feed.url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("feed.assets", "")
	v.SetDefault("feed.heartbeat_interval", "10s")
	v.SetDefault("feed.heartbeat_timeout", "5s")
	v.SetDefault("feed.backoff_initial", "1s")
	v.SetDefault("feed.backoff_max", "30s")
	v.SetDefault("feed.backoff_factor", 2.0)
	v.SetDefault("feed.max_reconnect_attempts", 10)
	v.SetDefault("feed.stable_window", "60s")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Feed = FeedConfig{
		URL:                  v.GetString("feed.url"),
		Assets:               splitAssets(v.GetString("feed.assets")),
		HeartbeatInterval:    v.GetDuration("feed.heartbeat_interval"),
		HeartbeatTimeout:     v.GetDuration("feed.heartbeat_timeout"),
		BackoffInitial:       v.GetDuration("feed.backoff_initial"),
		BackoffMax:           v.GetDuration("feed.backoff_max"),
		BackoffFactor:        v.GetFloat64("feed.backoff_factor"),
		MaxReconnectAttempts: v.GetInt("feed.max_reconnect_attempts"),
		StableWindow:         v.GetDuration("feed.stable_window"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	return cfg, nil
}

// splitAssets parses a comma-separated asset id list, dropping blanks.
func splitAssets(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
