// Package config loads mount configuration from defaults, an optional TOML
// file and environment variables. Command-line flags are applied on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Device kinds.
const (
	DeviceUSB    = "usb"
	DeviceMemory = "memory"
)

// Config holds all mtpfs configuration.
type Config struct {
	// Mount
	MountPoint string
	AllowOther bool
	Debug      bool

	// Device
	Device        string // "usb" or "memory"
	DeviceMatch   string // pattern matched against the USB device id
	DeviceTimeout time.Duration
	RetryAttempts int

	// Cache
	CacheTTL   time.Duration
	StagingDir string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Rotation of LogFile when it is a path; zero keeps lumberjack's default
	// or disables the limit.
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Metrics ("" disables the endpoint)
	MetricsAddr string
}

// fileConfig mirrors Config in the TOML file. Unset keys keep their value.
type fileConfig struct {
	MountPoint    *string `toml:"mount_point"`
	AllowOther    *bool   `toml:"allow_other"`
	Debug         *bool   `toml:"debug"`
	Device        *string `toml:"device"`
	DeviceMatch   *string `toml:"device_match"`
	DeviceTimeout *string `toml:"device_timeout"`
	RetryAttempts *int    `toml:"retry_attempts"`
	CacheTTL      *string `toml:"cache_ttl"`
	StagingDir    *string `toml:"staging_dir"`
	LogLevel      *string `toml:"log_level"`
	LogFormat     *string `toml:"log_format"`
	LogFile       *string `toml:"log_file"`
	LogMaxSizeMB  *int    `toml:"log_max_size_mb"`
	LogMaxBackups *int    `toml:"log_max_backups"`
	LogMaxAgeDays *int    `toml:"log_max_age_days"`
	MetricsAddr   *string `toml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device:        DeviceUSB,
		DeviceTimeout: 30 * time.Second,
		RetryAttempts: 3,
		CacheTTL:      5 * time.Second,
		LogLevel:      "info",
		LogFormat:     "console",
		LogFile:       "stderr",
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is not empty), then MTPFS_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.MountPoint = envOr("MTPFS_MOUNT_POINT", cfg.MountPoint)
	cfg.AllowOther = envBool("MTPFS_ALLOW_OTHER", cfg.AllowOther)
	cfg.Debug = envBool("MTPFS_DEBUG", cfg.Debug)
	cfg.Device = envOr("MTPFS_DEVICE", cfg.Device)
	cfg.DeviceMatch = envOr("MTPFS_DEVICE_MATCH", cfg.DeviceMatch)
	cfg.DeviceTimeout = envDuration("MTPFS_DEVICE_TIMEOUT", cfg.DeviceTimeout)
	cfg.RetryAttempts = envInt("MTPFS_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.CacheTTL = envDuration("MTPFS_CACHE_TTL", cfg.CacheTTL)
	cfg.StagingDir = envOr("MTPFS_STAGING_DIR", cfg.StagingDir)
	cfg.LogLevel = envOr("MTPFS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("MTPFS_LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = envOr("MTPFS_LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = envInt("MTPFS_LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = envInt("MTPFS_LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	cfg.LogMaxAgeDays = envInt("MTPFS_LOG_MAX_AGE_DAYS", cfg.LogMaxAgeDays)
	cfg.MetricsAddr = envOr("MTPFS_METRICS_ADDR", cfg.MetricsAddr)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.MountPoint, fc.MountPoint)
	setBool(&c.AllowOther, fc.AllowOther)
	setBool(&c.Debug, fc.Debug)
	setString(&c.Device, fc.Device)
	setString(&c.DeviceMatch, fc.DeviceMatch)
	setInt(&c.RetryAttempts, fc.RetryAttempts)
	setInt(&c.LogMaxSizeMB, fc.LogMaxSizeMB)
	setInt(&c.LogMaxBackups, fc.LogMaxBackups)
	setInt(&c.LogMaxAgeDays, fc.LogMaxAgeDays)
	setString(&c.StagingDir, fc.StagingDir)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.LogFile, fc.LogFile)
	setString(&c.MetricsAddr, fc.MetricsAddr)

	if err := setDuration(&c.DeviceTimeout, fc.DeviceTimeout); err != nil {
		return fmt.Errorf("device_timeout: %w", err)
	}
	if err := setDuration(&c.CacheTTL, fc.CacheTTL); err != nil {
		return fmt.Errorf("cache_ttl: %w", err)
	}
	return nil
}

// Validate checks the configuration for a mount.
func (c *Config) Validate() error {
	var errs []error
	if c.Device != DeviceUSB && c.Device != DeviceMemory {
		errs = append(errs, fmt.Errorf("device must be %q or %q, got %q", DeviceUSB, DeviceMemory, c.Device))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache TTL must be positive, got %v", c.CacheTTL))
	}
	if c.DeviceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("device timeout must be positive, got %v", c.DeviceTimeout))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log format must be json or console, got %q", c.LogFormat))
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("log rotation limits must not be negative"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
