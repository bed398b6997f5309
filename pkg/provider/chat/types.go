package chat

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem marks high-priority instructions injected before the history.
	RoleSystem Role = "system"

	// RoleUser marks messages authored by the end user.
	RoleUser Role = "user"

	// RoleAssistant marks messages generated by a provider.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn in a conversation history.
type Message struct {
	// Role is the author of the message.
	Role Role

	// Content is the text content of the message.
	Content string

	// Timestamp marks when the message was produced.
	Timestamp time.Time

	// Tokens is the token count reported by the provider for this message.
	// Zero when the provider did not report one.
	Tokens int

	// Provider and Model record which backend produced an assistant message.
	// Empty for user and system messages.
	Provider string
	Model    string
}

// Preferences holds per-session generation settings. All fields are pointers
// so that a nil field means "not set" and an override can be distinguished
// from an explicit zero value when merging request-level preferences over
// session defaults.
type Preferences struct {
	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature *float64

	// MaxTokens caps the number of completion tokens the model may generate.
	MaxTokens *int

	// MaxContextLength is the number of user/assistant turn pairs retained in
	// the session history. The stored turn list is trimmed to twice this value.
	MaxContextLength *int

	// Streaming selects streamed delivery when the caller does not decide per call.
	Streaming *bool

	// Provider names the preferred backend for this session.
	Provider string
}

// Merge returns a copy of p with every non-nil field of override applied on
// top. A nil receiver yields a copy of override; a nil override yields a copy
// of p. The receiver is never mutated.
func (p *Preferences) Merge(override *Preferences) *Preferences {
	out := &Preferences{}
	if p != nil {
		*out = *p
	}
	if override == nil {
		return out
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.MaxContextLength != nil {
		out.MaxContextLength = override.MaxContextLength
	}
	if override.Streaming != nil {
		out.Streaming = override.Streaming
	}
	if override.Provider != "" {
		out.Provider = override.Provider
	}
	return out
}

// Request carries everything a provider needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Message
// must be non-empty.
type Request struct {
	// Message is the new user message driving the response.
	Message string

	// SessionID optionally names an existing conversation. Empty means a new
	// session is created by the orchestrator.
	SessionID string

	// Provider optionally names an explicit backend preference.
	Provider string

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string

	// History is the ordered prior conversation supplied with the request.
	// The orchestrator merges session turns in front of it.
	History []Message

	// Preferences are per-request overrides applied on top of session defaults.
	Preferences *Preferences

	// Context carries auxiliary structured context forwarded to the provider
	// as free-form metadata. May be nil.
	Context map[string]string
}

// Response is the result of a non-streaming chat call.
type Response struct {
	// ID uniquely identifies this response.
	ID string

	// Text is the full assistant reply.
	Text string

	// Provider and Model record which backend produced the reply.
	Provider string
	Model    string

	// Tokens is the total token count reported by the backend, zero if unreported.
	Tokens int

	// ResponseTime is the wall-clock duration of the backend call.
	ResponseTime time.Duration

	// Timestamp marks when the response was completed.
	Timestamp time.Time

	// FinishReason indicates why generation stopped ("stop", "length", ...).
	// Empty when the backend does not report one.
	FinishReason string

	// Metadata holds free-form provider-specific details (e.g. confidence).
	Metadata map[string]string
}

// ChunkType tags the variant of a StreamChunk.
type ChunkType string

const (
	// ChunkContent carries an incremental text fragment. Content chunks
	// concatenate, in arrival order, to the final response text.
	ChunkContent ChunkType = "content"

	// ChunkMetadata is the single trailing summary chunk emitted after all
	// content, immediately before the stream channel closes.
	ChunkMetadata ChunkType = "metadata"

	// ChunkError carries a terminal *Error. The channel closes right after.
	ChunkError ChunkType = "error"
)

// StreamSummary is the payload of the trailing metadata chunk.
type StreamSummary struct {
	// Tokens is the total token count for the streamed response, zero if unreported.
	Tokens int

	// Duration is the wall-clock time from stream start to completion.
	Duration time.Duration

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Provider and Model record which backend produced the stream.
	Provider string
	Model    string
}

// StreamChunk is one element of a streaming chat response. Exactly one of
// Text, Summary, or Err is meaningful depending on Type; consumers must
// switch on Type rather than probing fields.
type StreamChunk struct {
	// ID uniquely identifies this chunk.
	ID string

	// Type selects the chunk variant.
	Type ChunkType

	// Timestamp marks when the chunk was produced.
	Timestamp time.Time

	// Text is the content fragment. Set only when Type is ChunkContent.
	Text string

	// Summary is the final stream summary. Set only when Type is ChunkMetadata.
	Summary *StreamSummary

	// Err is the structured failure. Set only when Type is ChunkError.
	Err *Error
}

// RateLimitSnapshot is a best-effort view of a backend's rate-limit state,
// typically derived from response headers.
type RateLimitSnapshot struct {
	// RequestsRemaining is the number of requests left in the current window.
	// Negative means unknown.
	RequestsRemaining int

	// TokensRemaining is the number of tokens left in the current window.
	// Negative means unknown.
	TokensRemaining int

	// ResetAt is when the current window resets. Zero means unknown.
	ResetAt time.Time
}

// Status is the result of a health probe. A Status value is immutable once
// produced; the registry replaces the stored value wholesale on every probe
// so readers never observe a partially updated record.
type Status struct {
	// Provider names the probed adapter.
	Provider string

	// Healthy reports whether the last probe succeeded.
	Healthy bool

	// LastCheck is when the probe ran.
	LastCheck time.Time

	// ResponseTime is the probe round-trip time.
	ResponseTime time.Duration

	// ErrorRate is the rolling fraction of failed requests in [0.0, 1.0],
	// as reported by the registry's per-adapter failure tracking.
	ErrorRate float64

	// RateLimit is the most recent rate-limit snapshot, nil when unavailable.
	RateLimit *RateLimitSnapshot

	// Detail describes the probe failure. Empty when Healthy.
	Detail string
}

// Capabilities describes what an adapter's backend supports. Set once at
// adapter construction and never mutated.
type Capabilities struct {
	// Streaming indicates support for streamed chat responses.
	Streaming bool

	// SystemMessage indicates native support for a dedicated system prompt.
	// Adapters without it prepend the prompt as a system-role message.
	SystemMessage bool

	// FunctionCalling indicates native function/tool calling support.
	FunctionCalling bool

	// ImageInput indicates the model can process image inputs.
	ImageInput bool

	// MessageFormat names the wire message family ("openai", "anthropic", ...).
	MessageFormat string

	// RequestsPerMinute and TokensPerMinute are published rate-limit hints.
	// Zero means unknown.
	RequestsPerMinute int
	TokensPerMinute   int

	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens one completion may generate.
	MaxOutputTokens int
}
