package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by OutputFormat
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Config holds application configuration
type Config struct {
	LogLevel        string        `yaml:"log_level" json:"log_level" default:"info"`
	ScanWindow      time.Duration `yaml:"scan_window" json:"scan_window" default:"5s"`
	RSSIThreshold   int           `yaml:"rssi_threshold" json:"rssi_threshold" default:"-70"`
	AllowDuplicates bool          `yaml:"allow_duplicates" json:"allow_duplicates" default:"true"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"` // 0 waits until disconnect
	ReprobeInterval time.Duration `yaml:"reprobe_interval" json:"reprobe_interval" default:"2s"`
	OutputFormat    string        `yaml:"output_format" json:"output_format" default:"table"`
	OpenSettings    bool          `yaml:"open_settings" json:"open_settings"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	switch c.OutputFormat {
	case FormatTable, FormatJSON:
	default:
		return fmt.Errorf("invalid output_format %q (expected %s or %s)", c.OutputFormat, FormatTable, FormatJSON)
	}

	if c.ScanWindow < 0 {
		return fmt.Errorf("scan_window must not be negative, got %s", c.ScanWindow)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative, got %s", c.ConnectTimeout)
	}
	if c.ReprobeInterval < 0 {
		return fmt.Errorf("reprobe_interval must not be negative, got %s", c.ReprobeInterval)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
