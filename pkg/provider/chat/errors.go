package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code classifies a chat failure. The retry decision throughout the
// orchestration layer is driven exclusively by [Code.Retryable].
type Code string

const (
	// CodeNoProviders means no adapter qualified for selection. Transient.
	CodeNoProviders Code = "NO_PROVIDERS_AVAILABLE"

	// CodeProviderDisabled means the adapter is switched off by configuration.
	CodeProviderDisabled Code = "PROVIDER_DISABLED"

	// CodeInvalidAPIKey means the backend rejected the credential.
	CodeInvalidAPIKey Code = "INVALID_API_KEY"

	// CodeMissingAPIKey means the configured credential is absent from the environment.
	CodeMissingAPIKey Code = "MISSING_API_KEY"

	// CodeRateLimit means the backend throttled the request.
	CodeRateLimit Code = "RATE_LIMIT"

	// CodeTimeout means the call exceeded its deadline.
	CodeTimeout Code = "REQUEST_TIMEOUT"

	// CodeInvalidRequest means the caller supplied an unusable request.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeInvalidResponse means the backend returned a protocol-violating response.
	CodeInvalidResponse Code = "INVALID_RESPONSE"

	// CodeStreamingNotSupported means StreamChat was called on a non-streaming adapter.
	CodeStreamingNotSupported Code = "STREAMING_NOT_SUPPORTED"

	// CodeStreamingError means the stream failed after it was established.
	CodeStreamingError Code = "STREAMING_ERROR"

	// CodeUnknown is the conservative default for unclassified failures.
	CodeUnknown Code = "UNKNOWN_ERROR"
)

// Retryable reports whether a failure with this code is worth retrying on
// another provider. Non-retryable codes abort a fallback chain immediately:
// either every provider would fail identically (caller error, protocol
// violation) or the failure is an operator configuration problem.
func (c Code) Retryable() bool {
	switch c {
	case CodeProviderDisabled, CodeInvalidAPIKey, CodeMissingAPIKey,
		CodeInvalidRequest, CodeInvalidResponse, CodeStreamingNotSupported:
		return false
	}
	return true
}

// Error is the structured failure type every adapter normalises into before
// an error crosses the adapter boundary. It carries a machine-readable code,
// the provider that produced it, and the wrapped cause.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Provider names the adapter that produced the error. Empty for failures
	// raised before a provider was chosen (e.g. selection failures).
	Provider string

	// Message is a human-readable description, already scrubbed of secrets.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Provider, e.Message)
}

// Unwrap returns the underlying cause for use with errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error's code is retryable.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// NewError creates an [*Error] with a scrubbed, length-capped message.
func NewError(code Code, provider, message string) *Error {
	return &Error{Code: code, Provider: provider, Message: sanitize(message)}
}

// WrapError creates an [*Error] around cause. The cause's message is scrubbed
// before it becomes part of the user-visible text.
func WrapError(code Code, provider string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = sanitize(cause.Error())
	}
	return &Error{Code: code, Provider: provider, Message: msg, Cause: cause}
}

// AsError extracts an [*Error] from err's chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable reports whether err should advance a fallback chain. Errors
// outside the taxonomy are treated as retryable, matching [CodeUnknown].
func IsRetryable(err error) bool {
	if ce, ok := AsError(err); ok {
		return ce.Retryable()
	}
	return true
}

// Classify normalises an arbitrary failure from a backend call into the
// taxonomy. Already-classified errors pass through unchanged (with the
// provider label filled in if missing); context deadline errors become
// [CodeTimeout]; everything else is [CodeUnknown].
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	if ce, ok := AsError(err); ok {
		if ce.Provider == "" {
			ce.Provider = provider
		}
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(CodeTimeout, provider, err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(CodeTimeout, provider, err)
	}

	// Fall back to message sniffing for SDK errors that expose no typed cause.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return WrapError(CodeRateLimit, provider, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "incorrect api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return WrapError(CodeInvalidAPIKey, provider, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return WrapError(CodeTimeout, provider, err)
	}
	return WrapError(CodeUnknown, provider, err)
}

// ClassifyStatus maps an HTTP status code from a backend into the taxonomy.
func ClassifyStatus(provider string, status int, body string) *Error {
	var code Code
	switch {
	case status == http.StatusTooManyRequests:
		code = CodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeInvalidAPIKey
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = CodeInvalidRequest
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		code = CodeTimeout
	case status >= 500:
		code = CodeUnknown
	default:
		code = CodeInvalidResponse
	}
	return NewError(code, provider, fmt.Sprintf("backend returned status %d: %s", status, body))
}

// maxErrorChars caps how much backend response text ends up in error messages.
const maxErrorChars = 200

// sanitize scrubs secret-looking tokens from s and truncates the result.
// Backend error bodies occasionally echo the request's Authorization value.
func sanitize(s string) string {
	out := scrubSecrets(s)
	runes := []rune(out)
	if len(runes) <= maxErrorChars {
		return out
	}
	return string(runes[:maxErrorChars]) + "..."
}

// secretPrefixes are credential prefixes whose trailing token material is redacted.
var secretPrefixes = []string{"sk-", "gsk_", "Bearer "}

func scrubSecrets(s string) string {
	out := s
	for _, prefix := range secretPrefixes {
		from := 0
		for {
			idx := strings.Index(out[from:], prefix)
			if idx < 0 {
				break
			}
			idx += from
			end := idx + len(prefix)
			for end < len(out) && isTokenChar(out[end]) {
				end++
			}
			if end == idx+len(prefix) {
				// Bare prefix with no token material; keep scanning past it.
				from = end
				continue
			}
			out = out[:idx] + "[REDACTED]" + out[end:]
			from = idx + len("[REDACTED]")
		}
	}
	return out
}

func isTokenChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') || ch == '-' || ch == '_' || ch == '.'
}
