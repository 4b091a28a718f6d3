// Package config loads the hub configuration from JSON or YAML files and
// the environment.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/logging"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/irctrakz/wgconntrack/pkg/wireguard"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete hub configuration.
type Config struct {
	// Tracker contains the connection table settings.
	Tracker TrackerConfig `json:"tracker" yaml:"tracker"`

	// WireGuard contains the WireGuard device configuration.
	WireGuard wireguard.DeviceConfig `json:"wireguard" yaml:"wireguard"`

	// API contains the management HTTP server settings.
	API APIConfig `json:"api" yaml:"api"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// TrackerConfig configures the connection table and its dispatcher.
type TrackerConfig struct {
	MaxEntries   int      `json:"maxEntries" yaml:"maxEntries"`
	Shards       int      `json:"shards" yaml:"shards"`
	ReapInterval Duration `json:"reapInterval" yaml:"reapInterval"`
	DropInvalid  bool     `json:"dropInvalid" yaml:"dropInvalid"`
	Workers      int      `json:"workers" yaml:"workers"`
	QueueCap     int      `json:"queueCap" yaml:"queueCap"`

	// Timeouts overrides per-state timeouts, keyed by state name
	// (SYN_SENT, ESTABLISHED, ...).
	Timeouts map[string]Duration `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
}

// APIConfig configures the management HTTP server.
type APIConfig struct {
	// Listen is the address to serve on; empty disables the server.
	Listen string `json:"listen" yaml:"listen"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// Format is text or json.
	Format string `json:"format" yaml:"format"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	ct := conntrack.DefaultConfig()
	return &Config{
		Tracker: TrackerConfig{
			MaxEntries:   ct.MaxEntries,
			Shards:       ct.Shards,
			ReapInterval: Duration(ct.ReapInterval),
			Workers:      4,
			QueueCap:     1000,
		},
		WireGuard: wireguard.DefaultDeviceConfig(),
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a .json, .yaml or .yml file.
func LoadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// LoadFromEnv overrides configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Tracker config
	envInt("TRACKER_MAX_ENTRIES", &config.Tracker.MaxEntries)
	envInt("TRACKER_SHARDS", &config.Tracker.Shards)
	envInt("TRACKER_WORKERS", &config.Tracker.Workers)
	envInt("TRACKER_QUEUE_CAP", &config.Tracker.QueueCap)
	if val := os.Getenv("TRACKER_REAP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Tracker.ReapInterval = Duration(d)
		}
	}
	if val := os.Getenv("TRACKER_DROP_INVALID"); val != "" {
		config.Tracker.DropInvalid = val == "true" || val == "1"
	}

	// WireGuard config
	config.WireGuard.LoadFromEnv()

	// API config
	if val, ok := os.LookupEnv("API_LISTEN"); ok {
		config.API.Listen = val
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	envInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// Validate validates the configuration. The WireGuard section is checked
// separately by Config.WireGuard.Validate since offline tools do not need
// it.
func (c *Config) Validate() error {
	if c.Tracker.MaxEntries < 0 {
		return fmt.Errorf("invalid tracker max entries: %d", c.Tracker.MaxEntries)
	}
	if c.Tracker.Shards < 0 {
		return fmt.Errorf("invalid tracker shards: %d", c.Tracker.Shards)
	}
	if c.Tracker.ReapInterval < 0 {
		return fmt.Errorf("invalid tracker reap interval: %s", c.Tracker.ReapInterval)
	}
	if c.Tracker.Workers <= 0 {
		return fmt.Errorf("invalid tracker workers: %d", c.Tracker.Workers)
	}
	if c.Tracker.QueueCap <= 0 {
		return fmt.Errorf("invalid tracker queue capacity: %d", c.Tracker.QueueCap)
	}
	for name, d := range c.Tracker.Timeouts {
		if _, err := tcptrack.ParseState(name); err != nil {
			return fmt.Errorf("invalid tracker timeout: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("invalid tracker timeout for %s: %s", name, d)
		}
	}

	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return fmt.Errorf("invalid API listen address: %w", err)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}

// TableConfig converts the tracker section into a conntrack.Config.
func (c *Config) TableConfig() (conntrack.Config, error) {
	ct := conntrack.Config{
		MaxEntries:   c.Tracker.MaxEntries,
		Shards:       c.Tracker.Shards,
		ReapInterval: time.Duration(c.Tracker.ReapInterval),
		DropInvalid:  c.Tracker.DropInvalid,
		Timeouts:     tcptrack.DefaultTimeouts(),
	}
	for name, d := range c.Tracker.Timeouts {
		s, err := tcptrack.ParseState(name)
		if err != nil {
			return ct, err
		}
		ct.Timeouts.Set(s, time.Duration(d))
	}
	return ct, nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	if c.Logging.Format == "json" {
		logging.SetFormatter(&logrus.JSONFormatter{})
	}

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}
	return nil
}

// SaveToFile saves the configuration to a .json, .yaml or .yml file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
