package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the bcmon configuration file.
type Config struct {
	// Address is the camera or NVR endpoint, host or host:port.
	Address string `yaml:"address"`

	// Credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Channels to poll and watch. Defaults to channel 0.
	Channels []int `yaml:"channels"`

	// BatteryChannels lists channels that sleep on battery power. State
	// polls avoid waking them unless forced.
	BatteryChannels []int `yaml:"battery_channels"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// CaptureFile, when set, records every frame and state transition
	// to a CBOR log for offline analysis.
	CaptureFile string `yaml:"capture_file"`

	// MetricsListen, when set, serves Prometheus metrics on this
	// address (e.g. ":9100").
	MetricsListen string `yaml:"metrics_listen"`
}

// DefaultConfigFile is looked up when --config is not given.
const DefaultConfigFile = "bcmon.yaml"

// LoadConfig reads and validates a configuration file. An empty path
// tries the default file and returns a zero config when it is absent.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields every subcommand that talks to a device
// needs.
func (c Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required (flag or config file)")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required (flag or config file)")
	}
	return nil
}

// IsBattery reports whether a channel is configured as battery powered.
func (c Config) IsBattery(channel int) bool {
	for _, ch := range c.BatteryChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

func parseLogLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s (use: debug, info, warn, error)", s)
	}
}
