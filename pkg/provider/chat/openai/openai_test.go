package openai

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

func testProvider(t *testing.T, model string) *Provider {
	t.Helper()
	p, err := New(chat.NewSettings("openai-main", "OPENAI_TEST_KEY", "", []string{model}, 10*time.Second, 0))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("nil settings should be rejected")
	}
	if _, err := New(chat.NewSettings("openai-main", "K", "", nil, 0, 0)); err == nil {
		t.Error("settings without models should be rejected")
	}
}

// TestBuildParams verifies role mapping and preference handling on the
// request conversion.
func TestBuildParams(t *testing.T) {
	p := testProvider(t, "gpt-4o")

	temp := 0.3
	maxTok := 128
	req := chat.Request{
		Message:      "next",
		SystemPrompt: "short answers",
		History: []chat.Message{
			{Role: chat.RoleUser, Content: "hello"},
			{Role: chat.RoleAssistant, Content: "hi"},
		},
		Preferences: &chat.Preferences{Temperature: &temp, MaxTokens: &maxTok},
	}

	params, cerr := p.buildParams(req)
	if cerr != nil {
		t.Fatalf("buildParams: %v", cerr)
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(params.Messages))
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.3 {
		t.Error("Temperature not copied")
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Error("MaxCompletionTokens not copied")
	}
}

func TestBuildParamsRejectsEmptyAndBadRole(t *testing.T) {
	p := testProvider(t, "gpt-4o")

	if _, cerr := p.buildParams(chat.Request{Message: " "}); cerr == nil || cerr.Code != chat.CodeInvalidRequest {
		t.Errorf("blank request = %v, want INVALID_REQUEST", cerr)
	}

	req := chat.Request{History: []chat.Message{{Role: "narrator", Content: "x"}}}
	if _, cerr := p.buildParams(req); cerr == nil || cerr.Code != chat.CodeInvalidRequest {
		t.Errorf("bad role = %v, want INVALID_REQUEST", cerr)
	}
}

func TestModelCapabilities(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.MaxOutputTokens != 16_384 || !caps.ImageInput {
		t.Errorf("gpt-4o-mini capabilities = %+v", caps)
	}

	caps = modelCapabilities("o1-mini")
	if caps.FunctionCalling {
		t.Error("o1-mini should not advertise function calling")
	}

	caps = modelCapabilities("some-future-model")
	if caps.ContextWindow != 128_000 || !caps.Streaming {
		t.Errorf("default capabilities = %+v", caps)
	}
}
