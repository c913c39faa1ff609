// Package config loads engine configuration. Values come from defaults, an
// optional YAML file and ENGINE_* environment variables (PORT, DATABASE_URL
// and REDIS_URL are honoured too). A .env file in the working directory is
// loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig enables the read cache, the cross-instance market lock and
// event fan-out. An empty URL disables all three.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Lock     bool          `mapstructure:"lock"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	Channel  string        `mapstructure:"channel"`
}

// EngineConfig holds trading and lifecycle parameters.
//
//   - MinUnit: smallest tradable quantity; every trade is a whole multiple.
//   - MaxRetries: how often a critical section is re-run after a conflict.
//   - SweepInterval: period of the lifecycle sweep.
//   - SweepConcurrency: markets one sweep handles in parallel.
type EngineConfig struct {
	MinUnit          string        `mapstructure:"min_unit"`
	MaxRetries       int           `mapstructure:"max_retries"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("redis.lock", false)
	v.SetDefault("redis.lock_ttl", 10*time.Second)
	v.SetDefault("redis.channel", "market-engine:events")

	v.SetDefault("engine.min_unit", "1")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.sweep_interval", 5*time.Second)
	v.SetDefault("engine.sweep_concurrency", 8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads config from path (optional) with env var overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Plain names used by container platforms.
	for key, env := range map[string]string{
		"server.port":  "PORT",
		"database.url": "DATABASE_URL",
		"redis.url":    "REDIS_URL",
	} {
		envKey := "ENGINE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be > 0"))
	}
	if c.Database.URL != "" && c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database.max_conns must be > 0"))
	}
	if c.Redis.URL != "" && c.Redis.Lock && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("redis.lock_ttl must be > 0 when redis.lock is set"))
	}
	if c.Redis.Lock && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.lock requires redis.url"))
	}
	if unit, err := c.Engine.MinUnitDecimal(); err != nil {
		errs = append(errs, err)
	} else if !unit.IsPositive() {
		errs = append(errs, fmt.Errorf("engine.min_unit must be > 0, got %s", unit))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.max_retries must be >= 0"))
	}
	if c.Engine.SweepInterval <= 0 {
		errs = append(errs, errors.New("engine.sweep_interval must be > 0"))
	}
	if c.Engine.SweepConcurrency <= 0 {
		errs = append(errs, errors.New("engine.sweep_concurrency must be > 0"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// MinUnitDecimal parses engine.min_unit.
func (e EngineConfig) MinUnitDecimal() (decimal.Decimal, error) {
	unit, err := decimal.NewFromString(e.MinUnit)
	if err != nil {
		return decimal.Zero, fmt.Errorf("engine.min_unit: %w", err)
	}
	return unit, nil
}

// NewLogger builds the process logger described by c.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
