package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestCodeRetryable pins the retry decision for every code in the taxonomy.
func TestCodeRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeNoProviders, true},
		{CodeRateLimit, true},
		{CodeTimeout, true},
		{CodeStreamingError, true},
		{CodeUnknown, true},
		{CodeProviderDisabled, false},
		{CodeInvalidAPIKey, false},
		{CodeMissingAPIKey, false},
		{CodeInvalidRequest, false},
		{CodeInvalidResponse, false},
		{CodeStreamingNotSupported, false},
	}
	for _, tc := range cases {
		if got := tc.code.Retryable(); got != tc.want {
			t.Errorf("%s.Retryable() = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestErrorFormat(t *testing.T) {
	withProvider := NewError(CodeRateLimit, "openai", "slow down")
	if got := withProvider.Error(); got != "RATE_LIMIT [openai]: slow down" {
		t.Errorf("Error() = %q", got)
	}
	selection := NewError(CodeNoProviders, "", "no providers available")
	if got := selection.Error(); got != "NO_PROVIDERS_AVAILABLE: no providers available" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(CodeUnknown, "ollama", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
	if err.Message != "connection reset" {
		t.Errorf("Message = %q, want cause text", err.Message)
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify("openai", nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

// TestClassifyPassthrough verifies that already-classified errors keep their
// code and only gain a provider label when they had none.
func TestClassifyPassthrough(t *testing.T) {
	orig := NewError(CodeInvalidRequest, "", "empty message")
	got := Classify("anthropic", fmt.Errorf("call failed: %w", orig))
	if got.Code != CodeInvalidRequest {
		t.Errorf("Code = %s, want INVALID_REQUEST", got.Code)
	}
	if got.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", got.Provider)
	}

	labelled := NewError(CodeRateLimit, "openai", "throttled")
	if got := Classify("anthropic", labelled); got.Provider != "openai" {
		t.Errorf("existing provider label was overwritten: %q", got.Provider)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	for _, cause := range []error{context.DeadlineExceeded, context.Canceled} {
		got := Classify("openai", fmt.Errorf("request: %w", cause))
		if got.Code != CodeTimeout {
			t.Errorf("Classify(%v).Code = %s, want REQUEST_TIMEOUT", cause, got.Code)
		}
	}
}

func TestClassifyMessageSniffing(t *testing.T) {
	cases := []struct {
		msg  string
		want Code
	}{
		{"429 Too Many Requests", CodeRateLimit},
		{"rate limit exceeded for model", CodeRateLimit},
		{"401 Unauthorized", CodeInvalidAPIKey},
		{"incorrect API key provided", CodeInvalidAPIKey},
		{"dial tcp: i/o timeout", CodeTimeout},
		{"something exploded", CodeUnknown},
	}
	for _, tc := range cases {
		got := Classify("test", errors.New(tc.msg))
		if got.Code != tc.want {
			t.Errorf("Classify(%q).Code = %s, want %s", tc.msg, got.Code, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Code
	}{
		{429, CodeRateLimit},
		{401, CodeInvalidAPIKey},
		{403, CodeInvalidAPIKey},
		{400, CodeInvalidRequest},
		{422, CodeInvalidRequest},
		{408, CodeTimeout},
		{504, CodeTimeout},
		{500, CodeUnknown},
		{503, CodeUnknown},
		{302, CodeInvalidResponse},
	}
	for _, tc := range cases {
		got := ClassifyStatus("test", tc.status, "")
		if got.Code != tc.want {
			t.Errorf("ClassifyStatus(%d).Code = %s, want %s", tc.status, got.Code, tc.want)
		}
	}
}

// TestScrubSecrets verifies that credential-shaped tokens never survive into
// an error message, including when a backend echoes the Authorization header.
func TestScrubSecrets(t *testing.T) {
	cases := []struct {
		in     string
		leaked string
	}{
		{"invalid key sk-proj-abc123XYZ provided", "sk-proj-abc123XYZ"},
		{"header Authorization: Bearer tok4.value rejected", "tok4.value"},
		{"groq key gsk_0abcDEF is expired", "gsk_0abcDEF"},
	}
	for _, tc := range cases {
		got := NewError(CodeInvalidAPIKey, "test", tc.in).Message
		if strings.Contains(got, tc.leaked) {
			t.Errorf("secret %q survived scrubbing: %q", tc.leaked, got)
		}
		if !strings.Contains(got, "[REDACTED]") {
			t.Errorf("expected redaction marker in %q", got)
		}
	}
}

// TestScrubSecretsBarePrefixThenToken covers a bare prefix occurrence
// ahead of a real credential; scanning must continue past the bare prefix
// rather than give up on it.
func TestScrubSecretsBarePrefixThenToken(t *testing.T) {
	cases := []struct {
		in     string
		leaked string
	}{
		{"prefix sk- noise, real key sk-proj-SECRET123 rejected", "sk-proj-SECRET123"},
		{"gsk_ then gsk_REALKEY9 in one message", "gsk_REALKEY9"},
		{"Bearer , retry with Bearer tok5value", "tok5value"},
	}
	for _, tc := range cases {
		got := NewError(CodeInvalidAPIKey, "test", tc.in).Message
		if strings.Contains(got, tc.leaked) {
			t.Errorf("secret %q survived scrubbing: %q", tc.leaked, got)
		}
		if !strings.Contains(got, "[REDACTED]") {
			t.Errorf("expected redaction marker in %q", got)
		}
	}
}

func TestScrubSecretsMultipleTokens(t *testing.T) {
	got := NewError(CodeInvalidAPIKey, "test", "tried sk-firstKEY then sk-secondKEY").Message
	if strings.Contains(got, "firstKEY") || strings.Contains(got, "secondKEY") {
		t.Errorf("a secret survived scrubbing: %q", got)
	}
	if strings.Count(got, "[REDACTED]") != 2 {
		t.Errorf("want both tokens redacted, got %q", got)
	}
}

func TestScrubSecretsLeavesPlainText(t *testing.T) {
	msg := "model gpt-4o not found for this account"
	if got := NewError(CodeInvalidRequest, "test", msg).Message; got != msg {
		t.Errorf("plain message was altered: %q", got)
	}
}

func TestSanitizeTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := NewError(CodeUnknown, "test", long).Message
	if len([]rune(got)) != maxErrorChars+3 {
		t.Errorf("len = %d, want %d", len([]rune(got)), maxErrorChars+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated message should end with ellipsis")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("some transport error")) {
		t.Error("unclassified errors should be retryable")
	}
	if IsRetryable(NewError(CodeInvalidAPIKey, "openai", "bad key")) {
		t.Error("INVALID_API_KEY should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", NewError(CodeRateLimit, "openai", "throttled"))) {
		t.Error("wrapped RATE_LIMIT should be retryable")
	}
}
