package anthropic

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

func testProvider(t *testing.T, model string) *Provider {
	t.Helper()
	p, err := New(chat.NewSettings("claude-main", "ANTHROPIC_TEST_KEY", "", []string{model}, 10*time.Second, 0))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil settings should be rejected")
	}
	if _, err := New(chat.NewSettings("claude-main", "K", "", nil, 0, 0)); err == nil {
		t.Error("settings without models should be rejected")
	}
}

// TestBuildParams verifies the Messages API mapping: system text goes into
// the dedicated system field, never into the message list.
func TestBuildParams(t *testing.T) {
	p := testProvider(t, "claude-sonnet-4-5")

	req := chat.Request{
		Message:      "next",
		SystemPrompt: "short answers",
		History: []chat.Message{
			{Role: chat.RoleSystem, Content: "stay polite"},
			{Role: chat.RoleUser, Content: "hello"},
			{Role: chat.RoleAssistant, Content: "hi"},
		},
	}

	params, cerr := p.buildParams(req)
	if cerr != nil {
		t.Fatalf("buildParams: %v", cerr)
	}
	if len(params.System) != 2 {
		t.Errorf("len(System) = %d, want prompt plus history system turn", len(params.System))
	}
	if len(params.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(params.Messages))
	}
	if params.MaxTokens == 0 {
		t.Error("MaxTokens must always be set for the Messages API")
	}
}

func TestBuildParamsPreferences(t *testing.T) {
	p := testProvider(t, "claude-sonnet-4-5")

	temp := 0.5
	maxTok := 300
	req := chat.Request{
		Message:     "hi",
		Preferences: &chat.Preferences{Temperature: &temp, MaxTokens: &maxTok},
	}
	params, cerr := p.buildParams(req)
	if cerr != nil {
		t.Fatal(cerr)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.5 {
		t.Error("Temperature not copied")
	}
	if params.MaxTokens != 300 {
		t.Errorf("MaxTokens = %d, want the preference value", params.MaxTokens)
	}
}

func TestBuildParamsRejectsEmpty(t *testing.T) {
	p := testProvider(t, "claude-sonnet-4-5")
	if _, cerr := p.buildParams(chat.Request{}); cerr == nil || cerr.Code != chat.CodeInvalidRequest {
		t.Errorf("empty request = %v, want INVALID_REQUEST", cerr)
	}
}

func TestModelCapabilities(t *testing.T) {
	if caps := modelCapabilities("claude-opus-4-1"); caps.MaxOutputTokens != 32_000 {
		t.Errorf("opus MaxOutputTokens = %d", caps.MaxOutputTokens)
	}
	if caps := modelCapabilities("claude-sonnet-4-5"); caps.MaxOutputTokens != 64_000 {
		t.Errorf("sonnet MaxOutputTokens = %d", caps.MaxOutputTokens)
	}
	if caps := modelCapabilities("claude-unknown"); caps.ContextWindow != 200_000 || !caps.Streaming {
		t.Errorf("default capabilities = %+v", caps)
	}
}
