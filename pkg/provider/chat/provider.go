// Package chat defines the Provider contract for interchangeable chat
// backends.
//
// A chat provider wraps one remote text-generation API (e.g. OpenAI,
// Anthropic, or a local Ollama instance) behind a uniform capability contract
// so the registry and orchestrator never branch on provider identity. Each
// adapter owns its own request/response translation, authentication, and
// error normalisation: no unstructured error may cross the Provider boundary.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamChat must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package chat

import "context"

// Provider is the abstraction over any chat backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// Name returns the adapter's unique registry key.
	Name() string

	// Capabilities returns static metadata describing what this adapter's
	// backend supports. The result is constant for the lifetime of the adapter.
	Capabilities() Capabilities

	// Chat validates that the adapter is enabled and its credential present,
	// performs one backend call, and returns the reply with timing, provider,
	// and model metadata attached. Every failure is normalised into an [*Error]
	// before it is returned.
	Chat(ctx context.Context, req Request) (*Response, error)

	// StreamChat is the streaming variant of Chat. It returns a read-only
	// channel emitting [StreamChunk] values in strict production order. On
	// success the stream ends with exactly one [ChunkMetadata] chunk before
	// the channel closes. On mid-stream failure the stream ends with one
	// [ChunkError] chunk; errors never escape the producing goroutine any
	// other way, so callers must inspect chunk types.
	//
	// Adapters whose capabilities do not include streaming fail immediately
	// with [CodeStreamingNotSupported]. The initial error return is non-nil
	// only for failures that prevent the stream from starting; the returned
	// channel is never nil when the error is nil.
	StreamChat(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// HealthCheck probes backend liveness within a short bounded timeout. It
	// never fails: a probe that cannot complete is reported as an unhealthy
	// [Status], not an error.
	HealthCheck(ctx context.Context) Status

	// RateLimitStatus returns the adapter's best-effort view of the backend's
	// rate-limit state, or nil when the backend exposes no such signal.
	RateLimitStatus() *RateLimitSnapshot
}
