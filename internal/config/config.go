package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration of the example server
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	Log    LogConfig
	Limit  LimitConfig
	Cache  CacheConfig
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string        // prepended to every key
	Timeout   time.Duration // per operation
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// LimitConfig holds the per-client request budget
type LimitConfig struct {
	Requests int64
	Window   time.Duration
}

// CacheConfig holds refresh-ahead settings
type CacheConfig struct {
	TTL              time.Duration
	RefreshThreshold time.Duration
	MarkerTTL        time.Duration
}

// Load reads configuration from environment variables and an optional config file.
// Priority (highest to lowest):
// 1. Environment variables with COORD_ prefix (e.g., COORD_REDIS_ADDR)
// 2. config.yaml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/redis-coord")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			Namespace: v.GetString("redis.namespace"),
			Timeout:   v.GetDuration("redis.timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Limit: LimitConfig{
			Requests: v.GetInt64("limit.requests"),
			Window:   v.GetDuration("limit.window"),
		},
		Cache: CacheConfig{
			TTL:              v.GetDuration("cache.ttl"),
			RefreshThreshold: v.GetDuration("cache.refresh_threshold"),
			MarkerTTL:        v.GetDuration("cache.marker_ttl"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Timeout == 0 {
		cfg.Redis.Timeout = 100 * time.Millisecond
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Limit.Requests == 0 {
		cfg.Limit.Requests = 10
	}
	if cfg.Limit.Window == 0 {
		cfg.Limit.Window = time.Minute
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.RefreshThreshold == 0 {
		cfg.Cache.RefreshThreshold = time.Minute
	}
	if cfg.Cache.MarkerTTL == 0 {
		cfg.Cache.MarkerTTL = 30 * time.Second
	}
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db cannot be negative")
	}
	if c.Limit.Requests < 0 {
		return fmt.Errorf("limit.requests cannot be negative")
	}
	if c.Limit.Window < time.Second {
		return fmt.Errorf("limit.window must be at least 1s")
	}
	if c.Cache.TTL < time.Second {
		return fmt.Errorf("cache.ttl must be at least 1s")
	}
	if c.Cache.RefreshThreshold >= c.Cache.TTL {
		return fmt.Errorf("cache.refresh_threshold (%s) must be shorter than cache.ttl (%s)",
			c.Cache.RefreshThreshold, c.Cache.TTL)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}
