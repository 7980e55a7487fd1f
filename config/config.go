// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // LEDGER_TIMEZONE must resolve on hosts without zoneinfo

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv          string        `envconfig:"APP_ENV" default:"development"`
	AppAddr         string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout  time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"30s"`

	DBDriver   string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"ledger.db"`
	PGDSN      string `envconfig:"PG_DSN"`

	// Empty RedisAddr selects in-process branch locks.
	RedisAddr   string        `envconfig:"REDIS_ADDR"`
	LockTimeout time.Duration `envconfig:"LEDGER_LOCK_TIMEOUT" default:"5s"`
	LockTTL     time.Duration `envconfig:"LEDGER_LOCK_TTL" default:"30s"`

	// Zero disables the drift-correction scheduler.
	RebuildInterval    time.Duration `envconfig:"LEDGER_REBUILD_INTERVAL" default:"0s"`
	RebuildConcurrency int           `envconfig:"LEDGER_REBUILD_CONCURRENCY" default:"4"`
	Timezone           string        `envconfig:"LEDGER_TIMEZONE" default:"UTC"`
	AllowReopen        bool          `envconfig:"LEDGER_ALLOW_REOPEN" default:"false"`
	DemoScenarios      bool          `envconfig:"LEDGER_DEMO_SCENARIOS" default:"false"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH must be set for the sqlite driver")
		}
	case "postgres":
		if c.PGDSN == "" {
			return errors.New("PG_DSN must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.LockTimeout <= 0 {
		return errors.New("LEDGER_LOCK_TIMEOUT must be positive")
	}
	if c.RedisAddr != "" && c.LockTTL <= c.LockTimeout {
		return errors.New("LEDGER_LOCK_TTL must exceed LEDGER_LOCK_TIMEOUT")
	}
	if c.RebuildConcurrency < 1 {
		return errors.New("LEDGER_REBUILD_CONCURRENCY must be at least 1")
	}
	if c.DemoScenarios && c.IsProduction() {
		return errors.New("LEDGER_DEMO_SCENARIOS must not be enabled in production")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("LEDGER_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the business time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
