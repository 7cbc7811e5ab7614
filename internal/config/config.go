// Package config loads the sync core's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roamlog/roamlog/internal/sync/conflict"
)

// TargetConfig describes one synchronization target.
type TargetConfig struct {
	// Name identifies the target in logs and events.
	Name string `yaml:"name"`
	// BaseURL is the target's HTTP endpoint.
	BaseURL string `yaml:"base_url"`
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	// DataDir holds the sync database. Default: ./data.
	DataDir string `yaml:"data_dir"`

	// DeviceID identifies this device in conflict records. Required.
	DeviceID string `yaml:"device_id"`
	// DeviceName is the human-readable label registered for this
	// device.
	DeviceName string `yaml:"device_name,omitempty"`
	// Platform names the device platform (ios, android, desktop).
	Platform string `yaml:"platform,omitempty"`
	// DevicePriority is this device's rank for priority-based conflict
	// resolution.
	DevicePriority int `yaml:"device_priority"`
	// OwnerUserID scopes the device registry listing.
	OwnerUserID string `yaml:"owner_user_id,omitempty"`

	// Strategy is the conflict resolution strategy. Unknown names are
	// rejected at load time.
	Strategy string `yaml:"strategy"`

	// MaxConcurrency bounds the engine's worker pool.
	MaxConcurrency int `yaml:"max_concurrency"`

	// SyncInterval is the full-pass cadence; DrainInterval the queue
	// drain cadence.
	SyncInterval  time.Duration `yaml:"sync_interval"`
	DrainInterval time.Duration `yaml:"drain_interval"`

	// StatusAddr is the listen address for the WebSocket status hub.
	// Empty disables the hub.
	StatusAddr string `yaml:"status_addr,omitempty"`

	// Targets lists sync targets; the first is the primary.
	Targets []TargetConfig `yaml:"targets"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DataDir:        "./data",
		Strategy:       string(conflict.DefaultStrategy),
		MaxConcurrency: 4,
		SyncInterval:   15 * time.Minute,
		DrainInterval:  time.Minute,
		StatusAddr:     "127.0.0.1:8790",
	}
}

// Load reads a YAML config file and applies defaults for omitted
// fields.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !conflict.Strategy(c.Strategy).Valid() {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.SyncInterval <= 0 || c.DrainInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("target %d has no name", i)
		}
		if t.BaseURL == "" {
			return fmt.Errorf("target %q has no base_url", t.Name)
		}
	}
	return nil
}
