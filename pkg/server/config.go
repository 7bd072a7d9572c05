package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Addr        string `yaml:"addr"`         // TCP bind address (e.g. ":2049")
	MetricsAddr string `yaml:"metrics_addr"` // HTTP bind address for /metrics endpoint (empty = disabled)

	MaxUsers int    `yaml:"max_users"` // member capacity (0 = unlimited)
	BPM      int    `yaml:"bpm"`       // initial tempo, beats per minute
	BPI      int    `yaml:"bpi"`       // initial beats per interval
	Topic    string `yaml:"topic"`     // initial session topic

	LicenseFile string `yaml:"license_file"` // text presented with the auth challenge
	LicenseText string `yaml:"-"`            // loaded from LicenseFile at startup
	UsersFile   string `yaml:"users_file"`   // YAML user roster (empty = anonymous-only)

	AnonTokenLimit int           `yaml:"anon_token_limit"` // display-token length cap for anonymous names
	TickInterval   time.Duration `yaml:"-"`                // session tick period

	// Per-IP accept throttle. Zero rate disables it.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":2049",
		MetricsAddr:    ":2050",
		MaxUsers:       0,
		BPM:            120,
		BPI:            32,
		AnonTokenLimit: 15,
		TickInterval:   20 * time.Millisecond,
		AcceptRate:     4,
		AcceptBurst:    8,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return cfg, nil
}
