// Package config loads the server configuration from an optional .env file,
// an optional cnam.toml file and CNAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/factory"
)

type Config struct {
	HTTP         HTTPConfig
	DB           DBConfig
	Log          LogConfig
	Bond         BondConfig
	Billing      BillingConfig
	Nomenclature NomenclatureConfig
	Scheduler    SchedulerConfig
	CORS         CORSConfig
}

type HTTPConfig struct {
	Port int
}

type DBConfig struct {
	Path string
}

type LogConfig struct {
	Level  string
	Format string // text | json
}

type BondConfig struct {
	MinCoveredMonths     int `mapstructure:"min_covered_months"`
	MaxCoveredMonths     int `mapstructure:"max_covered_months"`
	DefaultCoveredMonths int `mapstructure:"default_covered_months"`
	RenewalReminderDays  int `mapstructure:"renewal_reminder_days"`
}

type BillingConfig struct {
	LapseThresholdDays int  `mapstructure:"lapse_threshold_days"`
	AllowOverlap       bool `mapstructure:"allow_overlap"`
}

type NomenclatureConfig struct {
	File string // JSON nomenclature imported at startup, optional
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

const (
	envPrefix  = "CNAM"
	configName = "cnam"
)

// Load reads .env, then cnam.toml (from ".", "./config" or the explicit
// path), then CNAM_* variables, in increasing precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithField("file", v.ConfigFileUsed()).Info("config parsed")
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	bond := cnam.DefaultBondPolicy()
	billing := cnam.DefaultBillingPolicy()

	v.SetDefault("http.port", 8080)
	v.SetDefault("db.path", "cnam.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("bond.min_covered_months", bond.MinCoveredMonths)
	v.SetDefault("bond.max_covered_months", bond.MaxCoveredMonths)
	v.SetDefault("bond.default_covered_months", bond.DefaultCoveredMonths)
	v.SetDefault("bond.renewal_reminder_days", bond.DefaultRenewalReminderDays)
	v.SetDefault("billing.lapse_threshold_days", billing.LapseThresholdDays)
	v.SetDefault("billing.allow_overlap", billing.AllowOverlap)
	v.SetDefault("nomenclature.file", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)
	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Billing.LapseThresholdDays < 0 {
		return fmt.Errorf("billing.lapse_threshold_days must not be negative")
	}
	return factory.ValidateBondPolicy(c.BondPolicy())
}

// BondPolicy converts the bond section.
func (c *Config) BondPolicy() cnam.BondPolicy {
	return cnam.BondPolicy{
		MinCoveredMonths:           c.Bond.MinCoveredMonths,
		MaxCoveredMonths:           c.Bond.MaxCoveredMonths,
		DefaultCoveredMonths:       c.Bond.DefaultCoveredMonths,
		DefaultRenewalReminderDays: c.Bond.RenewalReminderDays,
	}
}

// BillingPolicy converts the billing section.
func (c *Config) BillingPolicy() cnam.BillingPolicy {
	return cnam.BillingPolicy{
		LapseThresholdDays: c.Billing.LapseThresholdDays,
		AllowOverlap:       c.Billing.AllowOverlap,
	}
}

// ConfigureLogger applies the log section to the logrus standard logger.
func (c *Config) ConfigureLogger() {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
