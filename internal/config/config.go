// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Driver      DriverConfig      `mapstructure:"driver" yaml:"driver"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint" yaml:"fingerprint"`
	Proxy       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	GeoIP       GeoIPConfig       `mapstructure:"geoip" yaml:"geoip"`
	Batch       BatchConfig       `mapstructure:"batch" yaml:"batch"`
}

// LoggerConfig defines all the settings for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DriverConfig describes how the automation driver process is started.
type DriverConfig struct {
	// BinaryPath is the browser executable. It must exist.
	BinaryPath    string         `mapstructure:"binary_path" yaml:"binary_path"`
	SessionsDir   string         `mapstructure:"sessions_dir" yaml:"sessions_dir"`
	Headless      bool           `mapstructure:"headless" yaml:"headless"`
	Args          []string       `mapstructure:"args" yaml:"args"`
	LaunchTimeout time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Profile       map[string]any `mapstructure:"profile" yaml:"profile"`
}

// SessionConfig carries the session option overrides. Keys follow the
// session option names (page_load_timeout, cookies_enabled, ...) and are
// merged over the built-in defaults when a session is configured.
type SessionConfig struct {
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// FingerprintConfig restricts navigator generation.
type FingerprintConfig struct {
	Platform string `mapstructure:"platform" yaml:"platform"`
	Engine   string `mapstructure:"engine" yaml:"engine"`
}

// ProxyConfig defines the outbound proxy for new sessions.
type ProxyConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// GeoIPConfig points at a MaxMind city database used to derive timezones.
type GeoIPConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
}

// BatchConfig tunes the batch command.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// StartRate is the number of sessions started per second.
	StartRate float64 `mapstructure:"start_rate" yaml:"start_rate"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "phantomctl")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Driver --
	v.SetDefault("driver.binary_path", "")
	v.SetDefault("driver.sessions_dir", "~/.phantomctl/sessions")
	v.SetDefault("driver.headless", true)
	v.SetDefault("driver.launch_timeout", "30s")

	// -- Batch --
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.start_rate", 2.0)

	// -- GeoIP --
	v.SetDefault("geoip.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ExpandPaths resolves a leading "~" in every filesystem path.
func (c *Config) ExpandPaths() error {
	paths := []*string{
		&c.Driver.BinaryPath,
		&c.Driver.SessionsDir,
		&c.GeoIP.DatabasePath,
		&c.Logger.LogFile,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Driver.SessionsDir == "" {
		return fmt.Errorf("driver.sessions_dir is a required configuration field")
	}
	if c.Driver.LaunchTimeout <= 0 {
		return fmt.Errorf("driver.launch_timeout must be a positive duration")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be a positive integer")
	}
	if c.Batch.StartRate <= 0 {
		return fmt.Errorf("batch.start_rate must be positive")
	}
	if c.GeoIP.Enabled && c.GeoIP.DatabasePath == "" {
		return fmt.Errorf("geoip.database_path is required when geoip is enabled")
	}
	switch strings.ToLower(c.Fingerprint.Platform) {
	case "", "win", "mac", "linux":
	default:
		return fmt.Errorf("fingerprint.platform must be one of win, mac, linux")
	}
	switch strings.ToLower(c.Fingerprint.Engine) {
	case "", "chrome", "firefox":
	default:
		return fmt.Errorf("fingerprint.engine must be one of chrome, firefox")
	}
	return nil
}
