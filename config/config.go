// Package config loads server configuration from the environment.
//
// Every key is prefixed with PROGRESSION_. A dotenv file, when present, is
// loaded first and never overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3" validate:"oneof=sqlite3 postgres"`
	DBDSN    string `env:"DB_DSN" envDefault:"./data/progression.db" validate:"required"`

	// BadgeCatalog is a YAML catalog path. Empty seeds the built-in catalog.
	BadgeCatalog string `env:"BADGE_CATALOG"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`

	// Notifications go to the log when no brokers are configured.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"progression.events" validate:"required"`

	GoalTTL        time.Duration `env:"GOAL_TTL" envDefault:"24h" validate:"gt=0"`
	ExpirySchedule string        `env:"EXPIRY_SCHEDULE" envDefault:"@every 15m" validate:"required"`

	// LegacyThresholdOverwrite lets maxVal overwrite the minVal result
	// instead of requiring both bounds.
	LegacyThresholdOverwrite bool `env:"LEGACY_THRESHOLD_OVERWRITE" envDefault:"false"`

	// A zero rate disables per-patient rate limiting.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20" validate:"gte=0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40" validate:"gte=0"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

const Prefix = "PROGRESSION_"

var validate = validator.New()

// Load reads envFile (if it exists) and then parses the environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	return Parse()
}

// Parse reads the configuration from the process environment.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cron.ParseStandard(c.ExpirySchedule); err != nil {
		return fmt.Errorf("%sEXPIRY_SCHEDULE: %w", Prefix, err)
	}
	return nil
}
