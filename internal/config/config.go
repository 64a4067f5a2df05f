// Package config loads service configuration: defaults, then an optional
// YAML file, then ALLOTMENT_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "allotment.config"

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ALLOTMENT"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	Port         int           `yaml:"port"         envconfig:"PORT"`
	DatabasePath string        `yaml:"databasePath" envconfig:"DATABASE_PATH"`
	StoreTimeout time.Duration `yaml:"storeTimeout" envconfig:"STORE_TIMEOUT"`

	// Requests dated further out than this are staged.
	LeadTimeMonths int `yaml:"leadTimeMonths" envconfig:"LEAD_TIME_MONTHS"`

	// Daily promotion trigger
	SchedulerEnabled       bool          `yaml:"schedulerEnabled"       envconfig:"SCHEDULER_ENABLED"`
	PromotionHourUTC       int           `yaml:"promotionHourUTC"       envconfig:"PROMOTION_HOUR_UTC"`
	PromotionCheckInterval time.Duration `yaml:"promotionCheckInterval" envconfig:"PROMOTION_CHECK_INTERVAL"`

	// Bounded retries for evaluations that lost a race
	MaxEvaluationRetries int           `yaml:"maxEvaluationRetries" envconfig:"MAX_EVALUATION_RETRIES"`
	RetryInitialInterval time.Duration `yaml:"retryInitialInterval" envconfig:"RETRY_INITIAL_INTERVAL"`

	ZoneDefaultSlots int `yaml:"zoneDefaultSlots" envconfig:"ZONE_DEFAULT_SLOTS"`

	// Monitoring
	MetricsWindow          time.Duration `yaml:"metricsWindow"          envconfig:"METRICS_WINDOW"`
	ErrorThreshold         int           `yaml:"errorThreshold"         envconfig:"ERROR_THRESHOLD"`
	LatencyThresholdMs     float64       `yaml:"latencyThresholdMs"     envconfig:"LATENCY_THRESHOLD_MS"`
	WaitlistRatioThreshold float64       `yaml:"waitlistRatioThreshold" envconfig:"WAITLIST_RATIO_THRESHOLD"`

	AllowedOrigins  []string      `yaml:"allowedOrigins"  envconfig:"ALLOWED_ORIGINS"`
	RosterFile      string        `yaml:"rosterFile"      envconfig:"ROSTER_FILE"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
	Debug           bool          `yaml:"debug"           envconfig:"DEBUG"`
}

// Default returns a fresh copy of the built-in defaults.
func Default() *Config {
	return &Config{
		Port:                   8080,
		DatabasePath:           "./data/allotment.db",
		StoreTimeout:           5 * time.Second,
		LeadTimeMonths:         6,
		SchedulerEnabled:       true,
		PromotionHourUTC:       6,
		PromotionCheckInterval: 5 * time.Minute,
		MaxEvaluationRetries:   5,
		RetryInitialInterval:   20 * time.Millisecond,
		ZoneDefaultSlots:       6,
		MetricsWindow:          time.Hour,
		ErrorThreshold:         10,
		LatencyThresholdMs:     500,
		WaitlistRatioThreshold: 0.5,
		AllowedOrigins:         []string{"*"},
		ShutdownTimeout:        30 * time.Second,
	}
}

// Load builds the configuration. An empty configFile falls back to
// ~/.allotment/allotment.yaml, then /etc/allotment/allotment.yaml.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".allotment", "allotment.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath
		}
	}
	systemPath := "/etc/allotment/allotment.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}
	return ""
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("databasePath is required"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("storeTimeout must be positive"))
	}
	if c.LeadTimeMonths <= 0 {
		errs = append(errs, fmt.Errorf("leadTimeMonths must be positive, got %d", c.LeadTimeMonths))
	}
	if c.PromotionHourUTC < 0 || c.PromotionHourUTC > 23 {
		errs = append(errs, fmt.Errorf("promotionHourUTC must be 0-23, got %d", c.PromotionHourUTC))
	}
	if c.SchedulerEnabled && c.PromotionCheckInterval <= 0 {
		errs = append(errs, errors.New("promotionCheckInterval must be positive"))
	}
	if c.MaxEvaluationRetries < 0 {
		errs = append(errs, errors.New("maxEvaluationRetries must not be negative"))
	}
	if c.ZoneDefaultSlots < 0 {
		errs = append(errs, errors.New("zoneDefaultSlots must not be negative"))
	}
	if c.WaitlistRatioThreshold < 0 || c.WaitlistRatioThreshold > 1 {
		errs = append(errs, fmt.Errorf("waitlistRatioThreshold must be within [0, 1], got %v", c.WaitlistRatioThreshold))
	}
	return errors.Join(errs...)
}
