package config

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/chat/mock"
)

func newTestManager() *Manager {
	m := NewManager()
	m.RegisterFactory("mock", func(s *chat.Settings) (chat.Provider, error) {
		return &mock.Provider{ProviderName: s.Name}, nil
	})
	return m
}

func entry(name string, priority int) ProviderEntry {
	return ProviderEntry{
		Name:          name,
		Kind:          "mock",
		CredentialEnv: "TEST_KEY_" + name,
		BaseURL:       "https://" + name + ".example.com/v1",
		Models:        []string{"model-a"},
		Timeout:       Duration(10 * time.Second),
		Priority:      priority,
	}
}

// TestManagerSetAndCreate registers providers and builds adapters through
// the kind factory.
func TestManagerSetAndCreate(t *testing.T) {
	m := newTestManager()
	if err := m.Set(entry("alpha", 10)); err != nil {
		t.Fatalf("Set(alpha) error = %v", err)
	}
	if err := m.Set(entry("beta", 5)); err != nil {
		t.Fatalf("Set(beta) error = %v", err)
	}

	p, err := m.Create("alpha")
	if err != nil {
		t.Fatalf("Create(alpha) error = %v", err)
	}
	if p.Name() != "alpha" {
		t.Errorf("provider name = %q, want alpha", p.Name())
	}

	if _, err := m.Create("gamma"); err == nil {
		t.Error("Create(gamma) expected error for unknown provider")
	}
}

// TestManagerSetUnknownKind rejects entries whose kind has no factory.
func TestManagerSetUnknownKind(t *testing.T) {
	m := newTestManager()
	e := entry("alpha", 1)
	e.Kind = "nope"
	if err := m.Set(e); err == nil {
		t.Error("Set() expected error for unknown kind")
	}
}

// TestManagerSetEmptyBaseURL rejects entries without a base endpoint.
func TestManagerSetEmptyBaseURL(t *testing.T) {
	m := newTestManager()
	e := entry("alpha", 1)
	e.BaseURL = ""
	if err := m.Set(e); err == nil {
		t.Error("Set() expected error for empty base_url")
	}
}

// TestManagerAllOrder verifies registration order is preserved regardless of
// priority values.
func TestManagerAllOrder(t *testing.T) {
	m := newTestManager()
	for _, name := range []string{"charlie", "alpha", "beta"} {
		if err := m.Set(entry(name, 1)); err != nil {
			t.Fatalf("Set(%s) error = %v", name, err)
		}
	}
	all := m.All()
	want := []string{"charlie", "alpha", "beta"}
	if len(all) != len(want) {
		t.Fatalf("len(All()) = %d, want %d", len(all), len(want))
	}
	for i, s := range all {
		if s.Name != want[i] {
			t.Errorf("All()[%d].Name = %q, want %q", i, s.Name, want[i])
		}
	}
}

// TestManagerUpdateInPlace re-sets an existing provider and checks that only
// priority and enabled change, through the shared settings pointer.
func TestManagerUpdateInPlace(t *testing.T) {
	m := newTestManager()
	if err := m.Set(entry("alpha", 1)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	shared := m.Settings("alpha")

	updated := entry("alpha", 42)
	disabled := false
	updated.Enabled = &disabled
	if err := m.Set(updated); err != nil {
		t.Fatalf("Set(update) error = %v", err)
	}

	if shared.Priority() != 42 {
		t.Errorf("Priority() = %d, want 42", shared.Priority())
	}
	if shared.Enabled() {
		t.Error("Enabled() = true, want false after update")
	}
	if m.Settings("alpha") != shared {
		t.Error("Settings() returned a different instance after update")
	}
}

// TestManagerIdentityChangeRejected verifies that credential env, base URL
// and kind cannot change at runtime.
func TestManagerIdentityChangeRejected(t *testing.T) {
	m := newTestManager()
	if err := m.Set(entry("alpha", 1)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	changed := entry("alpha", 1)
	changed.CredentialEnv = "OTHER_KEY"
	if err := m.Set(changed); err == nil {
		t.Error("Set() expected error for credential_env change")
	}

	m.RegisterFactory("other", func(s *chat.Settings) (chat.Provider, error) {
		return &mock.Provider{ProviderName: s.Name}, nil
	})
	changed = entry("alpha", 1)
	changed.Kind = "other"
	if err := m.Set(changed); err == nil {
		t.Error("Set() expected error for kind change")
	}
}

// TestManagerCredentialStatus checks env presence reporting.
func TestManagerCredentialStatus(t *testing.T) {
	m := newTestManager()
	if err := m.Set(entry("alpha", 1)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := m.Set(entry("beta", 1)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	t.Setenv("TEST_KEY_alpha", "value")

	available, missing := m.CredentialStatus()
	if len(available) != 1 || available[0] != "alpha" {
		t.Errorf("available = %v, want [alpha]", available)
	}
	if len(missing) != 1 || missing[0] != "beta" {
		t.Errorf("missing = %v, want [beta]", missing)
	}
}

// TestManagerApplyConfig applies a parsed document and skips bad entries.
func TestManagerApplyConfig(t *testing.T) {
	m := newTestManager()
	cfg := &Config{
		Service: ServiceConfig{MaxAttempts: 5},
		Providers: []ProviderEntry{
			entry("alpha", 3),
			{Name: "broken", Kind: "unregistered", CredentialEnv: "K", BaseURL: "https://broken.example.com", Models: []string{"m"}},
			entry("beta", 1),
		},
	}
	if err := m.ApplyConfig(cfg); err == nil {
		t.Error("ApplyConfig() expected error for the broken entry")
	}

	if m.Settings("alpha") == nil || m.Settings("beta") == nil {
		t.Error("ApplyConfig() should still register the valid entries")
	}
	if m.Settings("broken") != nil {
		t.Error("ApplyConfig() registered a provider with an unknown kind")
	}
	if m.Service().MaxAttempts != 5 {
		t.Errorf("Service().MaxAttempts = %d, want 5", m.Service().MaxAttempts)
	}
}
