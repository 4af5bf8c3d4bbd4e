// Package config loads process configuration from an optional YAML/JSON file and
// FUND_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FUND"

type Config struct {
	ListenAddr  string          `mapstructure:"listen_addr"`
	PostgresDSN string          `mapstructure:"postgres_dsn"`
	Redis       RedisConfig     `mapstructure:"redis"`
	AuthSecret  string          `mapstructure:"auth_secret"`
	LogLevel    string          `mapstructure:"log_level"`
	Development bool            `mapstructure:"development"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	MaxBodyKB   int64           `mapstructure:"max_body_kb"`
	Migrate     bool            `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

const (
	DefaultListenAddr        = ":8080"
	DefaultLogLevel          = "info"
	DefaultSchedulerInterval = time.Hour
	DefaultRedisTTL          = 5 * time.Minute
	DefaultRatePerSecond     = 50.0
	DefaultRateBurst         = 100
	DefaultMaxBodyKB         = 1024
)

// Load reads path (may be empty) and overlays the environment. FUND_REDIS_ADDR
// maps to redis.addr and so on.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]any{
		"listen_addr":           DefaultListenAddr,
		"postgres_dsn":          "",
		"redis.addr":            "",
		"redis.password":        "",
		"redis.db":              0,
		"redis.ttl":             DefaultRedisTTL,
		"auth_secret":           "",
		"log_level":             DefaultLogLevel,
		"development":           false,
		"scheduler.enabled":     true,
		"scheduler.interval":    DefaultSchedulerInterval,
		"rate_limit.per_second": DefaultRatePerSecond,
		"rate_limit.burst":      DefaultRateBurst,
		"max_body_kb":           DefaultMaxBodyKB,
		"migrate":               false,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, Validate(&cfg)
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return errors.New("postgres_dsn is required")
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", cfg.ListenAddr, err)
	}
	if cfg.Scheduler.Enabled && cfg.Scheduler.Interval < time.Second {
		return errors.New("scheduler.interval must be at least 1s")
	}
	if cfg.Redis.TTL < 0 {
		return errors.New("invalid redis.ttl")
	}
	if cfg.RateLimit.PerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("invalid rate_limit")
	}
	if cfg.MaxBodyKB <= 0 {
		return errors.New("invalid max_body_kb")
	}
	return nil
}
