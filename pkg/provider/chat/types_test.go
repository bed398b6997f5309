package chat

import "testing"

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestRoleIsValid(t *testing.T) {
	for _, r := range []Role{RoleSystem, RoleUser, RoleAssistant} {
		if !r.IsValid() {
			t.Errorf("%s should be valid", r)
		}
	}
	if Role("moderator").IsValid() {
		t.Error("unknown role should be invalid")
	}
}

// TestPreferencesMerge verifies the override semantics: non-nil override
// fields win, unset fields inherit, and neither input is mutated.
func TestPreferencesMerge(t *testing.T) {
	base := &Preferences{
		Temperature: fptr(0.2),
		MaxTokens:   iptr(100),
		Provider:    "openai",
	}
	override := &Preferences{
		MaxTokens: iptr(50),
	}

	merged := base.Merge(override)
	if merged.Temperature == nil || *merged.Temperature != 0.2 {
		t.Error("unset override field should inherit from base")
	}
	if merged.MaxTokens == nil || *merged.MaxTokens != 50 {
		t.Error("override MaxTokens should win")
	}
	if merged.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", merged.Provider)
	}
	if *base.MaxTokens != 100 {
		t.Error("Merge mutated the receiver")
	}
}

func TestPreferencesMergeNilInputs(t *testing.T) {
	var nilPrefs *Preferences

	got := nilPrefs.Merge(&Preferences{Provider: "anthropic"})
	if got == nil || got.Provider != "anthropic" {
		t.Errorf("nil receiver merge = %+v", got)
	}

	base := &Preferences{Temperature: fptr(1.0)}
	got = base.Merge(nil)
	if got == base {
		t.Error("merge with nil override should return a copy, not the receiver")
	}
	if got.Temperature == nil || *got.Temperature != 1.0 {
		t.Error("nil override should preserve base fields")
	}
}

func TestPreferencesMergeProviderOverride(t *testing.T) {
	base := &Preferences{Provider: "openai"}
	got := base.Merge(&Preferences{Provider: "gemini"})
	if got.Provider != "gemini" {
		t.Errorf("Provider = %q, want gemini", got.Provider)
	}
	got = base.Merge(&Preferences{})
	if got.Provider != "openai" {
		t.Error("empty override provider should not clear the base provider")
	}
}
