package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Driver backends
const (
	DriverGoBLE  = "goble"
	DriverTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"warn"`
	Driver         string        `yaml:"driver" default:"goble"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	OutputFormat   string        `yaml:"output_format" default:"table"` // table, json

	// AllowDuplicates keeps reporting advertisements of known peripherals
	// so their RSSI stays current while scanning.
	AllowDuplicates bool `yaml:"allow_duplicates" default:"true"`

	Write  WriteConfig  `yaml:"write"`
	Bridge BridgeConfig `yaml:"bridge"`
}

// WriteConfig controls how outbound data is split into ATT writes.
type WriteConfig struct {
	ChunkSize int           `yaml:"chunk_size" default:"20"`
	Delay     time.Duration `yaml:"delay" default:"10ms"`
}

// BridgeConfig sizes the PTY bridge buffers.
type BridgeConfig struct {
	BufferSize int    `yaml:"buffer_size" default:"4096"`
	Symlink    string `yaml:"symlink"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.Driver {
	case DriverGoBLE, DriverTinyGo:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", DriverGoBLE, DriverTinyGo, c.Driver)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}
	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must not be negative")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	if c.Write.ChunkSize <= 0 || c.Write.ChunkSize > 512 {
		return fmt.Errorf("write.chunk_size must be in 1..512, got %d", c.Write.ChunkSize)
	}
	if c.Write.Delay < 0 {
		return fmt.Errorf("write.delay must not be negative")
	}
	if c.Bridge.BufferSize <= 0 {
		return fmt.Errorf("bridge.buffer_size must be > 0")
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

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
