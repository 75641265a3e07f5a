package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	extErrors "github.com/pkg/errors"

	"github.com/soilsync/vegbox/closure"
	"github.com/soilsync/vegbox/dunning"
)

// Config collects every tunable of the billing engine from the
// environment. The dotenv file is loaded by the entrypoints before
// this runs.
type Config struct {
	PostgresURI string `validate:"required"`
	AMQPURI     string `validate:"required"`
	RedisURI    string `validate:"required"`
	RedisPW     string

	StripeKey     string `validate:"required"`
	JWTSigningKey string `validate:"required,min=16"`

	ListenAddr string `validate:"required"`

	MaxRetries      int `validate:"min=1"`
	GracePeriodDays int `validate:"min=1"`

	RenewalHorizon  time.Duration `validate:"min=0"`
	RenewalInterval time.Duration `validate:"required,min=1m"`
	DunningInterval time.Duration `validate:"required,min=1m"`
	ReaperInterval  time.Duration `validate:"required,min=1m"`

	SweepWorkers int `validate:"min=1"`

	AdminRef string `validate:"required"`

	ClosureStart         time.Time
	ClosureEnd           time.Time
	ClosureResumeBilling time.Time
}

// Load reads the engine configuration from the environment and
// validates it
func Load() (*Config, error) {
	cfg := &Config{
		PostgresURI:   os.Getenv("POSTGRES_URI"),
		AMQPURI:       os.Getenv("AMQP_URI"),
		RedisURI:      os.Getenv("REDIS_URI"),
		RedisPW:       os.Getenv("REDIS_PW"),
		StripeKey:     os.Getenv("STRIPE_KEY"),
		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		ListenAddr:    envString("LISTEN_ADDR", ":42070"),

		MaxRetries:      envInt("DUNNING_MAX_RETRIES", dunning.DefaultPolicy.MaxRetries),
		GracePeriodDays: envInt("DUNNING_GRACE_DAYS", dunning.DefaultPolicy.GracePeriodDays),

		RenewalHorizon:  envDuration("RENEWAL_HORIZON", time.Hour),
		RenewalInterval: envDuration("RENEWAL_INTERVAL", time.Hour),
		DunningInterval: envDuration("DUNNING_INTERVAL", 30*time.Minute),
		ReaperInterval:  envDuration("REAPER_INTERVAL", 6*time.Hour),

		SweepWorkers: envInt("SWEEP_WORKERS", 4),

		AdminRef: envString("ADMIN_REF", "ops"),
	}

	var err error
	if cfg.ClosureStart, err = envTime("CLOSURE_START"); err != nil {
		return nil, err
	}
	if cfg.ClosureEnd, err = envTime("CLOSURE_END"); err != nil {
		return nil, err
	}
	if cfg.ClosureResumeBilling, err = envTime("CLOSURE_RESUME_BILLING"); err != nil {
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, extErrors.Wrap(err, "Invalid configuration")
	}
	if err := cfg.Calendar().Validate(); err != nil {
		return nil, extErrors.Wrap(err, "Invalid closure calendar")
	}
	return cfg, nil
}

// Calendar returns the configured closure window
func (c *Config) Calendar() closure.Calendar {
	return closure.Calendar{
		Start:         c.ClosureStart,
		End:           c.ClosureEnd,
		ResumeBilling: c.ClosureResumeBilling,
	}
}

// Policy returns the configured retry policy
func (c *Config) Policy() dunning.Policy {
	return dunning.Policy{
		MaxRetries:      c.MaxRetries,
		GracePeriodDays: c.GracePeriodDays,
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envTime(key string) (time.Time, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}, extErrors.Errorf("%s must be set (RFC3339)", key)
	}
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, extErrors.Wrapf(err, "Cannot parse %s", key)
	}
	return parsed, nil
}
