// Package config provides configuration management for scrivo using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultRetryMax             = 3
	defaultRetryDelay           = 5 * time.Second
	defaultDebounce             = 2 * time.Second
	defaultMaxDiskUsedPercent   = 90.0
	defaultFailedRetentionDays  = 7
	defaultCompletedRetention   = 1
	defaultCacheMinDuration     = 5 * time.Minute
	defaultZettelIDFormat       = "200601021504"
	defaultZettelFilenamePat    = "{id} {slug}.md"
	defaultCleanupCron          = "0 0 3 * * *"
	defaultLedgerFilename       = "usage.db"
)

// Config holds all configuration for the application.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Media    MediaConfig    `mapstructure:"media"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

// PathsConfig holds the filesystem layout.
type PathsConfig struct {
	Input     string `mapstructure:"input"`
	Work      string `mapstructure:"work"`
	Results   string `mapstructure:"results"`
	Providers string `mapstructure:"providers"`
	Templates string `mapstructure:"templates"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
	File       string `mapstructure:"file"` // process-level log file for fatal failures
}

// MediaConfig holds external media tool configuration.
type MediaConfig struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`  // empty = look up in PATH
	FFprobePath      string        `mapstructure:"ffprobe_path"` // empty = look up in PATH
	CacheMinDuration time.Duration `mapstructure:"cache_min_duration"`
}

// PipelineConfig holds stage execution configuration.
type PipelineConfig struct {
	RetryMax     int           `mapstructure:"retry_max"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"` // 0 = no timeout
}

// StageBackendConfig selects a provider and model for an API-backed stage.
type StageBackendConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// ArtifactConfig selects one artifact to generate.
type ArtifactConfig struct {
	Plugin   string `mapstructure:"plugin"`
	Template string `mapstructure:"template"`
	Filename string `mapstructure:"filename"`
}

// ShelveConfig holds the default placement strategy.
type ShelveConfig struct {
	Strategy        string            `mapstructure:"strategy"` // timeline, flat, zettelkasten
	IDFormat        string            `mapstructure:"id_format"`
	FilenamePattern string            `mapstructure:"filename_pattern"`
	TagRoutes       map[string]string `mapstructure:"tag_routes"`
}

// DefaultsConfig is the template for per-job configuration snapshots.
type DefaultsConfig struct {
	Language        string             `mapstructure:"language"`
	CompressionMode string             `mapstructure:"compression_mode"` // original, compressed, optimized
	Transcribe      StageBackendConfig `mapstructure:"transcribe"`
	Refine          StageBackendConfig `mapstructure:"refine"`
	Artifacts       []ArtifactConfig   `mapstructure:"artifacts"`
	Shelve          ShelveConfig       `mapstructure:"shelve"`
	Debug           bool               `mapstructure:"debug"`
}

// WatchConfig holds input directory watcher configuration.
type WatchConfig struct {
	Debounce           time.Duration `mapstructure:"debounce"`
	Patterns           []string      `mapstructure:"patterns"`
	MaxDiskUsedPercent float64       `mapstructure:"max_disk_used_percent"`
}

// CleanupConfig holds job retention configuration.
type CleanupConfig struct {
	FailedJobsRetentionDays    int    `mapstructure:"failed_jobs_retention_days"`
	CompletedJobsRetentionDays int    `mapstructure:"completed_jobs_retention_days"`
	AutoCleanupEnabled         bool   `mapstructure:"auto_cleanup_enabled"`
	Cron                       string `mapstructure:"cron"` // 6-field cron expression
}

// LedgerConfig holds the usage ledger configuration.
type LedgerConfig struct {
	// DSN is the sqlite path for the usage ledger. Empty = {paths.work}/usage.db.
	DSN string `mapstructure:"dsn"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with SCRIVO_, using underscores for nesting.
// Example: SCRIVO_PATHS_WORK=/var/lib/scrivo/work.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/scrivo")
		v.AddConfigPath("$HOME/.scrivo")
	}

	v.SetEnvPrefix("SCRIVO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Paths defaults
	v.SetDefault("paths.input", "./scrivo-in")
	v.SetDefault("paths.work", "./scrivo-work")
	v.SetDefault("paths.results", "./scrivo-out")
	v.SetDefault("paths.providers", "./providers.d")
	v.SetDefault("paths.templates", "./templates")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.file", "")

	// Media defaults
	v.SetDefault("media.ffmpeg_path", "")
	v.SetDefault("media.ffprobe_path", "")
	v.SetDefault("media.cache_min_duration", defaultCacheMinDuration)

	// Pipeline defaults
	v.SetDefault("pipeline.retry_max", defaultRetryMax)
	v.SetDefault("pipeline.retry_delay", defaultRetryDelay)
	v.SetDefault("pipeline.stage_timeout", time.Duration(0))

	// Job defaults
	v.SetDefault("defaults.language", "auto")
	v.SetDefault("defaults.compression_mode", "compressed")
	v.SetDefault("defaults.transcribe.provider", "cloudrelay")
	v.SetDefault("defaults.transcribe.model", "relay-large")
	v.SetDefault("defaults.refine.provider", "cloudrelay")
	v.SetDefault("defaults.refine.model", "relay-large")
	v.SetDefault("defaults.shelve.strategy", "timeline")
	v.SetDefault("defaults.shelve.id_format", defaultZettelIDFormat)
	v.SetDefault("defaults.shelve.filename_pattern", defaultZettelFilenamePat)
	v.SetDefault("defaults.debug", false)

	// Watch defaults
	v.SetDefault("watch.debounce", defaultDebounce)
	v.SetDefault("watch.patterns", []string{
		"*.mp3", "*.wav", "*.ogg", "*.m4a", "*.flac",
		"*.mp4", "*.mov", "*.mkv", "*.webm",
	})
	v.SetDefault("watch.max_disk_used_percent", defaultMaxDiskUsedPercent)

	// Cleanup defaults
	v.SetDefault("cleanup.failed_jobs_retention_days", defaultFailedRetentionDays)
	v.SetDefault("cleanup.completed_jobs_retention_days", defaultCompletedRetention)
	v.SetDefault("cleanup.auto_cleanup_enabled", true)
	v.SetDefault("cleanup.cron", defaultCleanupCron)

	// Ledger defaults
	v.SetDefault("ledger.dsn", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Paths.Work == "" {
		return fmt.Errorf("paths.work is required")
	}
	if c.Paths.Results == "" {
		return fmt.Errorf("paths.results is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	validModes := map[string]bool{"original": true, "compressed": true, "optimized": true}
	if !validModes[c.Defaults.CompressionMode] {
		return fmt.Errorf("defaults.compression_mode must be one of: original, compressed, optimized")
	}

	validStrategies := map[string]bool{"timeline": true, "flat": true, "zettelkasten": true}
	if !validStrategies[c.Defaults.Shelve.Strategy] {
		return fmt.Errorf("defaults.shelve.strategy must be one of: timeline, flat, zettelkasten")
	}

	if c.Pipeline.RetryMax < 0 {
		return fmt.Errorf("pipeline.retry_max must not be negative")
	}
	if c.Watch.MaxDiskUsedPercent <= 0 || c.Watch.MaxDiskUsedPercent > 100 {
		return fmt.Errorf("watch.max_disk_used_percent must be in (0, 100]")
	}

	return nil
}

// LedgerDSN returns the sqlite path for the usage ledger.
func (c *Config) LedgerDSN() string {
	if c.Ledger.DSN != "" {
		return c.Ledger.DSN
	}
	return filepath.Join(c.Paths.Work, defaultLedgerFilename)
}
