// Package config defines all configuration for the copy-trading engine.
//
// Two layers exist:
//
//   - App config (this file): process-level settings — pool base URL, Redis
//     connection, Telegram credentials, routing config path, log level.
//     Loaded from a YAML file (default: configs/config.yaml) with sensitive
//     fields overridable via COPY_* environment variables.
//
//   - Routing config (routing.go): the declarative accounts × rule-sets ×
//     routes document, strict JSON, validated before any worker starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level app configuration. Maps directly to the YAML file.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Routing RoutingPaths  `mapstructure:"routing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// PoolConfig holds the connection-pool HTTP service settings.
// BaseURL is required; the process refuses to start without it.
type PoolConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StreamURL      string        `mapstructure:"stream_url"` // optional; empty selects the polling monitor
}

// RedisConfig holds the state-store connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// NotifyConfig holds Telegram credentials. When either field is empty the
// notifier is disabled and workers run without outbound messages.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// RoutingPaths locates the routing config document and its bootstrap example.
type RoutingPaths struct {
	ConfigPath  string `mapstructure:"config_path"`
	ExamplePath string `mapstructure:"example_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads app config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPY_POOL_BASE_URL, COPY_REDIS_PASSWORD,
// COPY_TELEGRAM_TOKEN, COPY_TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("pool.request_timeout", 30*time.Second)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("routing.config_path", "configs/routing.json")
	v.SetDefault("routing.example_path", "configs/routing.example.json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	cfg := &Config{}
	if err := v.ReadInConfig(); err != nil {
		// A missing app config file is fine: env vars and defaults carry
		// everything required.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if u := os.Getenv("COPY_POOL_BASE_URL"); u != "" {
		cfg.Pool.BaseURL = u
	}
	if p := os.Getenv("COPY_REDIS_PASSWORD"); p != "" {
		cfg.Redis.Password = p
	}
	if t := os.Getenv("COPY_TELEGRAM_TOKEN"); t != "" {
		cfg.Notify.TelegramToken = t
	}
	if c := os.Getenv("COPY_TELEGRAM_CHAT_ID"); c != "" {
		cfg.Notify.TelegramChatID = c
	}
	if p := os.Getenv("COPY_ROUTING_CONFIG"); p != "" {
		cfg.Routing.ConfigPath = p
	}

	return cfg, nil
}

// Validate checks required fields. The pool URL is the only hard
// requirement: without it no broker call can be made.
func (c *Config) Validate() error {
	if c.Pool.BaseURL == "" {
		return fmt.Errorf("pool.base_url is required (set COPY_POOL_BASE_URL)")
	}
	if c.Routing.ConfigPath == "" {
		return fmt.Errorf("routing.config_path is required")
	}
	return nil
}
