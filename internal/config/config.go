// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// DBConfig controls access to Postgres. An empty DSN selects the
// in-memory store for local development.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the browser rendering subsystem.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// ProviderConfig points at the asynchronous scrape provider.
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	WebhookURL     string `mapstructure:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SchedulerConfig governs the site scrape loop.
type SchedulerConfig struct {
	WorkerID        string `mapstructure:"worker_id"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	LockForMinutes  int    `mapstructure:"lock_for_minutes"`
	MaxPages        int    `mapstructure:"max_pages"`
}

// QueueConfig governs the URL batch processor.
type QueueConfig struct {
	BatchSize            int  `mapstructure:"batch_size"`
	MaxParallel          int  `mapstructure:"max_parallel"`
	MaxAttempts          int  `mapstructure:"max_attempts"`
	ProcessingForMinutes int  `mapstructure:"processing_for_minutes"`
	WindowMinutes        int  `mapstructure:"window_minutes"`
	WindowMarginSeconds  int  `mapstructure:"window_margin_seconds"`
	UseProvider          bool `mapstructure:"use_provider"`
}

// RecoveryConfig governs undelivered-webhook recovery.
type RecoveryConfig struct {
	StaleAfterMinutes   int `mapstructure:"stale_after_minutes"`
	RecheckSeconds      int `mapstructure:"recheck_seconds"`
	FinalTimeoutMinutes int `mapstructure:"final_timeout_minutes"`
}

// ArchiveConfig selects where raw payloads are archived.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for ingest completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment. A .env file in the
// working directory is applied first so local runs need no exports.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("http.user_agent", "jobsift-crawler/1.0")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("provider.timeout_seconds", 30)
	v.SetDefault("scheduler.worker_id", "scheduler-1")
	v.SetDefault("scheduler.interval_seconds", 300)
	v.SetDefault("scheduler.lock_for_minutes", 30)
	v.SetDefault("scheduler.max_pages", 20)
	v.SetDefault("queue.batch_size", 25)
	v.SetDefault("queue.max_parallel", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.processing_for_minutes", 30)
	v.SetDefault("queue.window_minutes", 10)
	v.SetDefault("queue.window_margin_seconds", 30)
	v.SetDefault("recovery.stale_after_minutes", 10)
	v.SetDefault("recovery.recheck_seconds", 60)
	v.SetDefault("recovery.final_timeout_minutes", 5)
	v.SetDefault("archive.prefix", "scrapes")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0")
	}
	if c.Queue.MaxParallel <= 0 {
		return fmt.Errorf("queue.max_parallel must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.UseProvider && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url must be set when queue.use_provider is enabled")
	}
	if c.Archive.GCSBucket != "" && c.Archive.BaseDir != "" {
		return fmt.Errorf("archive.gcs_bucket and archive.base_dir are mutually exclusive")
	}
	return nil
}

// HTTPTimeout returns the plain fetcher timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout returns the headless navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// ProviderTimeout returns the async provider client timeout.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// ServerTimeout returns the per-request HTTP handler deadline.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
