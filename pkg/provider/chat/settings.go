package chat

import (
	"os"
	"sync"
	"time"
)

// DefaultTimeout is the per-call timeout applied when a Settings value does
// not specify one.
const DefaultTimeout = 30 * time.Second

// Settings holds the operational configuration for one adapter. The identity
// fields (name, credential key, endpoint, models, timeout) are fixed at
// construction; priority and enabled are mutable at runtime and guarded by an
// internal lock so that configuration toggles take effect immediately for
// every component holding a reference to the same Settings value.
//
// The configuration manager owns Settings values; the registry and adapters
// hold references, never copies.
type Settings struct {
	// Name is the adapter's display name and registry key (e.g. "openai").
	Name string

	// CredentialEnv is the environment variable holding the backend secret.
	// The secret value itself is looked up at call time and never stored.
	CredentialEnv string

	// BaseURL overrides the backend's default API endpoint. Empty uses the default.
	BaseURL string

	// Models lists the model identifiers this adapter may use; the first entry
	// is the default.
	Models []string

	// Timeout bounds each backend call. Zero means [DefaultTimeout].
	Timeout time.Duration

	mu       sync.RWMutex
	priority int
	enabled  bool
}

// NewSettings constructs an enabled Settings value.
func NewSettings(name, credentialEnv, baseURL string, models []string, timeout time.Duration, priority int) *Settings {
	return &Settings{
		Name:          name,
		CredentialEnv: credentialEnv,
		BaseURL:       baseURL,
		Models:        models,
		Timeout:       timeout,
		priority:      priority,
		enabled:       true,
	}
}

// DefaultModel returns the first configured model identifier.
func (s *Settings) DefaultModel() string {
	if len(s.Models) == 0 {
		return ""
	}
	return s.Models[0]
}

// CallTimeout returns the configured timeout, or [DefaultTimeout] when unset.
func (s *Settings) CallTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// Enabled reports whether the adapter may serve requests.
func (s *Settings) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled switches the adapter on or off.
func (s *Settings) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Priority returns the selection priority. Higher is preferred.
func (s *Settings) Priority() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priority
}

// SetPriority updates the selection priority.
func (s *Settings) SetPriority(priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = priority
}

// Credential looks up the adapter's secret in the environment. It returns a
// [CodeMissingAPIKey] error when the variable is unset or empty. The value is
// returned to the caller for use in the outgoing request and must never be
// logged or embedded in error messages.
func (s *Settings) Credential() (string, *Error) {
	if s.CredentialEnv == "" {
		return "", NewError(CodeMissingAPIKey, s.Name, "no credential environment variable configured")
	}
	v := os.Getenv(s.CredentialEnv)
	if v == "" {
		return "", NewError(CodeMissingAPIKey, s.Name, "environment variable "+s.CredentialEnv+" is not set")
	}
	return v, nil
}

// ValidateCall performs the common adapter preconditions: the adapter must be
// enabled and its credential present. Returns nil when the call may proceed.
func (s *Settings) ValidateCall() *Error {
	if !s.Enabled() {
		return NewError(CodeProviderDisabled, s.Name, "provider is disabled by configuration")
	}
	if _, err := s.Credential(); err != nil {
		return err
	}
	return nil
}
