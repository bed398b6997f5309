package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// Factory builds a provider adapter from its settings. Implementations are
// registered per kind (e.g. "openai", "anthropic", "any-llm") before config
// is applied.
type Factory func(*chat.Settings) (chat.Provider, error)

// Manager owns the runtime provider settings. All other components hold
// pointers to the [chat.Settings] instances managed here, so enable/priority
// updates are visible everywhere without re-registration.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]Factory
	settings  map[string]*chat.Settings
	kinds     map[string]string
	order     []string
	service   ServiceConfig
}

// NewManager creates an empty settings manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		settings:  make(map[string]*chat.Settings),
		kinds:     make(map[string]string),
	}
}

// RegisterFactory registers an adapter constructor for a provider kind.
// Registering the same kind twice replaces the previous factory.
func (m *Manager) RegisterFactory(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

// Set adds a provider from a config entry or updates an existing one.
//
// For an existing provider only priority and enabled are applied in place;
// changing identity fields (kind, credential env, base URL, models, timeout)
// requires a restart and is rejected.
func (m *Manager) Set(entry ProviderEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.factories[entry.Kind]; !ok {
		return fmt.Errorf("config: provider %q: unknown kind %q", entry.Name, entry.Kind)
	}

	if existing, ok := m.settings[entry.Name]; ok {
		if err := m.checkIdentity(entry, existing); err != nil {
			return err
		}
		existing.SetPriority(entry.Priority)
		existing.SetEnabled(entry.IsEnabled())
		return nil
	}

	s := chat.NewSettings(entry.Name, entry.CredentialEnv, entry.BaseURL, entry.Models, entry.Timeout.Std(), entry.Priority)
	s.SetEnabled(entry.IsEnabled())
	m.settings[entry.Name] = s
	m.kinds[entry.Name] = entry.Kind
	m.order = append(m.order, entry.Name)
	return nil
}

func validateEntry(entry ProviderEntry) error {
	switch {
	case entry.Name == "":
		return fmt.Errorf("config: provider name is required")
	case entry.Kind == "":
		return fmt.Errorf("config: provider %q: kind is required", entry.Name)
	case entry.CredentialEnv == "":
		return fmt.Errorf("config: provider %q: credential_env is required", entry.Name)
	case entry.BaseURL == "":
		return fmt.Errorf("config: provider %q: base_url is required", entry.Name)
	case len(entry.Models) == 0:
		return fmt.Errorf("config: provider %q: at least one model is required", entry.Name)
	}
	return nil
}

func (m *Manager) checkIdentity(entry ProviderEntry, existing *chat.Settings) error {
	if m.kinds[entry.Name] != entry.Kind {
		return fmt.Errorf("config: provider %q: kind cannot change at runtime", entry.Name)
	}
	if existing.CredentialEnv != entry.CredentialEnv || existing.BaseURL != entry.BaseURL {
		return fmt.Errorf("config: provider %q: credential_env and base_url cannot change at runtime", entry.Name)
	}
	return nil
}

// Settings returns the settings for a named provider, or nil if unknown.
func (m *Manager) Settings(name string) *chat.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[name]
}

// All returns every provider's settings in registration order.
func (m *Manager) All() []*chat.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*chat.Settings, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.settings[name])
	}
	return out
}

// Create builds the adapter for a named provider using its registered kind
// factory. The adapter shares the manager's settings instance.
func (m *Manager) Create(name string) (chat.Provider, error) {
	m.mu.RLock()
	s, ok := m.settings[name]
	factory := m.factories[m.kinds[name]]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("config: unknown provider %q", name)
	}
	if factory == nil {
		return nil, fmt.Errorf("config: no factory for provider %q", name)
	}
	return factory(s)
}

// SetEnabled toggles a provider at runtime.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	s := m.Settings(name)
	if s == nil {
		return fmt.Errorf("config: unknown provider %q", name)
	}
	s.SetEnabled(enabled)
	slog.Info("provider toggled", "provider", name, "enabled", enabled)
	return nil
}

// SetPriority changes a provider's fallback priority at runtime.
func (m *Manager) SetPriority(name string, priority int) error {
	s := m.Settings(name)
	if s == nil {
		return fmt.Errorf("config: unknown provider %q", name)
	}
	s.SetPriority(priority)
	return nil
}

// CredentialStatus reports which configured providers have their credential
// environment variable set, without reading or exposing the values beyond a
// presence check. Both slices are sorted by provider name.
func (m *Manager) CredentialStatus() (available, missing []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if os.Getenv(m.settings[name].CredentialEnv) != "" {
			available = append(available, name)
		} else {
			missing = append(missing, name)
		}
	}
	sort.Strings(available)
	sort.Strings(missing)
	return available, missing
}

// Service returns the service tunables from the last applied config.
func (m *Manager) Service() ServiceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.service
}

// ApplyConfig applies a loaded configuration document: service tunables are
// replaced and every provider entry is set. Entries that fail (for example a
// runtime identity change) are logged and skipped so one bad entry does not
// block the rest of a reload.
func (m *Manager) ApplyConfig(cfg *Config) error {
	m.mu.Lock()
	m.service = cfg.Service
	m.mu.Unlock()

	var firstErr error
	for _, entry := range cfg.Providers {
		if err := m.Set(entry); err != nil {
			slog.Warn("skipping provider entry", "provider", entry.Name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
