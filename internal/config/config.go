package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the client configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	// StreamErrorWindow overrides the transport error window, in seconds.
	// Zero keeps the transport default.
	StreamErrorWindow int `yaml:"stream_error_window"`
	// JobID is the monitoring identifier sent to data servers after each
	// successful open. Empty generates a per-process identifier.
	JobID string `yaml:"job_id"`
	// HostCachePath is the location of the persistent host-history
	// database. Empty disables the cache.
	HostCachePath string `yaml:"host_cache_path"`
	// AggressiveProbing shrinks the health-check timers for debugging
	// source churn: every check probes, swaps need no quality margin.
	AggressiveProbing bool `yaml:"aggressive_probing"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Environment variable overrides.
const (
	// EnvJobID overrides the monitoring job identifier
	EnvJobID = "XRDFED_JOB_ID"

	// EnvHostCachePath overrides the host-history database location
	EnvHostCachePath = "XRDFED_HOST_CACHE"
)

// ApplyEnv overlays environment variables onto the configuration
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvJobID); v != "" {
		c.JobID = v
	}
	if v := os.Getenv(EnvHostCachePath); v != "" {
		c.HostCachePath = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.LogLevel)
	}
	if c.StreamErrorWindow < 0 {
		return fmt.Errorf("stream_error_window must not be negative")
	}
	return nil
}
