// Package config models scanline.yml, the per-workspace worker settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models scanline.yml.
type Config struct {
	Daemon struct {
		// Uniform random sleep bounds between idle polls, in seconds.
		TMin int `yaml:"t_min"`
		TMax int `yaml:"t_max"`
	} `yaml:"daemon"`
	Jobs struct {
		// A reservation untouched for this long may be reclaimed by any
		// worker. Zero disables reclamation.
		StaleAfterMinutes int `yaml:"stale_after_minutes"`
	} `yaml:"jobs"`
	Notify struct {
		WebhookURL     string `yaml:"webhook_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notify"`
	API struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"api"`
	Manifest string `yaml:"manifest"`
}

// Default returns the built-in settings: the worker-populate defaults of the
// pipeline (5 to 15 minutes between idle polls) and a two hour reservation
// staleness window.
func Default() *Config {
	c := &Config{}
	c.Daemon.TMin = 300
	c.Daemon.TMax = 900
	c.Jobs.StaleAfterMinutes = 120
	c.Notify.TimeoutSeconds = 5
	c.API.Addr = ":8420"
	c.Manifest = "scans.yml"
	return c
}

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "scanline.yml")
}

// Load reads scanline.yml from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes, filling unset fields with
// defaults.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Daemon.TMin < 0 || c.Daemon.TMax < 0 {
		return fmt.Errorf("daemon.t_min and daemon.t_max must be non-negative")
	}
	if c.Daemon.TMax < c.Daemon.TMin {
		return fmt.Errorf("daemon.t_max (%d) must be >= daemon.t_min (%d)", c.Daemon.TMax, c.Daemon.TMin)
	}
	if c.Jobs.StaleAfterMinutes < 0 {
		return fmt.Errorf("jobs.stale_after_minutes must be non-negative")
	}
	if c.Notify.TimeoutSeconds <= 0 {
		return fmt.Errorf("notify.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Jobs.StaleAfterMinutes) * time.Minute
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

func (c *Config) ManifestPath(workspace string) string {
	if filepath.IsAbs(c.Manifest) {
		return c.Manifest
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Manifest)
}
