package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultAdapterPortPatterns match the serial ports BLE dongles usually enumerate as
var DefaultAdapterPortPatterns = []string{"/dev/ttyACM*", "/dev/ttyUSB*", "/dev/cu.usbmodem*"}

// Config holds context configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// StartStopTimeout is the minimum margin added to a scan request timeout
	StartStopTimeout time.Duration `yaml:"start_stop_timeout" default:"1s"`
	// ScanFinishExtraTime is added to the scan time when polling an async scan
	ScanFinishExtraTime time.Duration `yaml:"scan_finish_extra_time" default:"2s"`
	// DefaultConnectTimeout bounds the wait for a connection event
	DefaultConnectTimeout time.Duration `yaml:"default_connect_timeout" default:"5s"`
	// ConfirmConnectWindow is how long a confirmed connect watches for an immediate disconnection
	ConfirmConnectWindow time.Duration `yaml:"confirm_connect_window" default:"1s"`
	// DefaultResponseTimeout bounds every gateway request without an explicit timeout
	DefaultResponseTimeout time.Duration `yaml:"default_response_timeout" default:"3s"`
	// StopJoinTimeout bounds the wait for the dispatch loop to exit on close
	StopJoinTimeout time.Duration `yaml:"stop_join_timeout" default:"2s"`

	// MaxConsecutiveErrors is the number of consecutive dispatch failures tolerated
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" default:"5"`
	// QueueCapacity is the capacity of notification and indication queues
	QueueCapacity int `yaml:"queue_capacity" default:"64"`

	// AdapterPortPatterns are glob patterns of serial ports that may host an adapter
	AdapterPortPatterns []string `yaml:"adapter_port_patterns"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if len(cfg.AdapterPortPatterns) == 0 {
		cfg.AdapterPortPatterns = append([]string(nil), DefaultAdapterPortPatterns...)
	}
	return cfg
}

// Load reads a YAML file on top of the default configuration
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the default configuration
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every bound is usable
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	for name, d := range map[string]time.Duration{
		"start_stop_timeout":       c.StartStopTimeout,
		"scan_finish_extra_time":   c.ScanFinishExtraTime,
		"default_connect_timeout":  c.DefaultConnectTimeout,
		"confirm_connect_window":   c.ConfirmConnectWindow,
		"default_response_timeout": c.DefaultResponseTimeout,
		"stop_join_timeout":        c.StopJoinTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max_consecutive_errors must be at least 1, got %d", c.MaxConsecutiveErrors)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity)
	}
	return nil
}

// Level returns the parsed log level, falling back to info
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
