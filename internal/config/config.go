// Package config holds shell configuration: scan/connect timeouts, capture
// cadences, and the output directory for recorded data.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"panic"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	RecordInterval time.Duration `yaml:"record_interval" default:"1s"`
	WatchInterval  time.Duration `yaml:"watch_interval" default:"250ms"`
	OutputDir      string        `yaml:"output_dir" default:"."`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAML decodes durations from strings like "10s", leaving fields
// absent from the document at their current (default) values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		LogLevel       string `yaml:"log_level"`
		ScanTimeout    string `yaml:"scan_timeout"`
		ConnectTimeout string `yaml:"connect_timeout"`
		RecordInterval string `yaml:"record_interval"`
		WatchInterval  string `yaml:"watch_interval"`
		OutputDir      string `yaml:"output_dir"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.OutputDir != "" {
		c.OutputDir = raw.OutputDir
	}
	for _, d := range []struct {
		field *time.Duration
		text  string
		name  string
	}{
		{&c.ScanTimeout, raw.ScanTimeout, "scan_timeout"},
		{&c.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"},
		{&c.RecordInterval, raw.RecordInterval, "record_interval"},
		{&c.WatchInterval, raw.WatchInterval, "watch_interval"},
	} {
		if d.text == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.text)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.field = parsed
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or panic)", c.LogLevel)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
