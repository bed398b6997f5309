// Package config defines the YAML configuration schema for the service and
// the runtime manager that owns provider settings.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel is a validated log verbosity setting.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a known log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Service   ServiceConfig   `yaml:"service"`
	Providers []ProviderEntry `yaml:"providers"`
}

// ServerConfig configures the HTTP listener for health and metrics endpoints.
type ServerConfig struct {
	Addr     string   `yaml:"addr"`
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig holds orchestration tunables. Zero values fall back to the
// defaults applied by [ServiceConfig.ApplyDefaults].
type ServiceConfig struct {
	// DefaultProvider is used when a request names no provider. Empty means
	// highest priority healthy provider.
	DefaultProvider string `yaml:"default_provider"`
	// FallbackOrder overrides the priority-derived fallback sequence.
	FallbackOrder []string `yaml:"fallback_order"`

	MaxAttempts    int      `yaml:"max_attempts"`
	RetryDelay     Duration `yaml:"retry_delay"`
	RequestTimeout Duration `yaml:"request_timeout"`

	HealthInterval       Duration `yaml:"health_interval"`
	SessionTimeout       Duration `yaml:"session_timeout"`
	SessionSweepInterval Duration `yaml:"session_sweep_interval"`

	MetricsMaxEntries int `yaml:"metrics_max_entries"`
	MetricsTrimTo     int `yaml:"metrics_trim_to"`

	MaxContextLength int `yaml:"max_context_length"`
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func (s *ServiceConfig) ApplyDefaults() {
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = Duration(500 * time.Millisecond)
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = Duration(30 * time.Second)
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = Duration(30 * time.Second)
	}
	if s.SessionTimeout <= 0 {
		s.SessionTimeout = Duration(time.Hour)
	}
	if s.SessionSweepInterval <= 0 {
		s.SessionSweepInterval = Duration(time.Minute)
	}
	if s.MetricsMaxEntries <= 0 {
		s.MetricsMaxEntries = 1000
	}
	if s.MetricsTrimTo <= 0 {
		s.MetricsTrimTo = 500
	}
	if s.MaxContextLength <= 0 {
		s.MaxContextLength = 10
	}
}

// ProviderEntry configures one provider instance. Kind selects the adapter
// implementation; Name is the unique instance name used in requests.
type ProviderEntry struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	CredentialEnv string   `yaml:"credential_env"`
	BaseURL       string   `yaml:"base_url"`
	Models        []string `yaml:"models"`
	Timeout       Duration `yaml:"timeout"`
	Priority      int      `yaml:"priority"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled returns the effective enabled flag.
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}
