package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses and validates a YAML configuration document.
// Unknown fields are rejected so typos surface at startup instead of being
// silently ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	c.Service.ApplyDefaults()
}

// Validate checks the whole document and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate provider name %q", prefix, p.Name))
		}
		names[p.Name] = true
		if p.Kind == "" {
			errs = append(errs, fmt.Errorf("%s: kind is required", prefix))
		}
		if p.CredentialEnv == "" {
			errs = append(errs, fmt.Errorf("%s: credential_env is required", prefix))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s: base_url is required", prefix))
		}
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one model is required", prefix))
		}
		if p.Priority < 0 {
			errs = append(errs, fmt.Errorf("%s: priority must not be negative", prefix))
		}
	}

	if dp := c.Service.DefaultProvider; dp != "" && !names[dp] {
		errs = append(errs, fmt.Errorf("service.default_provider: unknown provider %q", dp))
	}
	for _, name := range c.Service.FallbackOrder {
		if !names[name] {
			errs = append(errs, fmt.Errorf("service.fallback_order: unknown provider %q", name))
		}
	}
	if c.Service.MetricsTrimTo > c.Service.MetricsMaxEntries {
		errs = append(errs, errors.New("service.metrics_trim_to must not exceed metrics_max_entries"))
	}

	return errors.Join(errs...)
}
