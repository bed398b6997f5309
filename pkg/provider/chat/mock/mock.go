// Package mock provides a test double for the chat.Provider interface.
//
// Use Provider in unit tests to verify that the registry and orchestrator
// drive adapters correctly and to feed controlled responses without a live
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    ProviderName: "primary",
//	    ChatResponse: &chat.Response{Text: "Hello!"},
//	}
//	resp, err := p.Chat(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// ChatCall records a single invocation of Chat or StreamChat.
type ChatCall struct {
	// Ctx is the context passed to the call.
	Ctx context.Context
	// Req is the request passed to the call.
	Req chat.Request
}

// Provider is a mock implementation of chat.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Identity ---

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Caps is returned by Capabilities. Set Streaming to allow StreamChat.
	Caps chat.Capabilities

	// --- Configurable responses ---

	// ChatResponse is returned by Chat. May be nil (returns nil, ChatErr).
	ChatResponse *chat.Response

	// ChatErr, if non-nil, is returned as the error from Chat.
	ChatErr error

	// ChatFunc, if non-nil, replaces the canned ChatResponse/ChatErr behaviour
	// entirely. Useful for per-call responses in fallback tests.
	ChatFunc func(ctx context.Context, req chat.Request) (*chat.Response, error)

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamChat. All chunks are sent before the channel is closed.
	StreamChunks []chat.StreamChunk

	// StreamErr, if non-nil, is returned as the error from StreamChat instead
	// of opening a channel.
	StreamErr error

	// Health is returned by HealthCheck with LastCheck stamped at call time.
	Health chat.Status

	// RateLimit is returned by RateLimitStatus. May be nil.
	RateLimit *chat.RateLimitSnapshot

	// --- Call records (read after test) ---

	// ChatCalls records every invocation of Chat in order.
	ChatCalls []ChatCall

	// StreamCalls records every invocation of StreamChat in order.
	StreamCalls []ChatCall

	// HealthCalls is the number of times HealthCheck was called.
	HealthCalls int
}

// Name implements chat.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Capabilities implements chat.Provider.
func (p *Provider) Capabilities() chat.Capabilities {
	return p.Caps
}

// Chat records the call and returns the configured response or error.
func (p *Provider) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	p.mu.Lock()
	p.ChatCalls = append(p.ChatCalls, ChatCall{Ctx: ctx, Req: req})
	fn := p.ChatFunc
	resp, err := p.ChatResponse, p.ChatErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// StreamChat records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.StreamChunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, ChatCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]chat.StreamChunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan chat.StreamChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// HealthCheck records the call and returns Health with a fresh LastCheck.
func (p *Provider) HealthCheck(_ context.Context) chat.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HealthCalls++
	st := p.Health
	st.Provider = p.Name()
	st.LastCheck = time.Now()
	return st
}

// RateLimitStatus returns the configured snapshot.
func (p *Provider) RateLimitStatus() *chat.RateLimitSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RateLimit
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChatCalls = nil
	p.StreamCalls = nil
	p.HealthCalls = 0
}

// Ensure Provider implements chat.Provider at compile time.
var _ chat.Provider = (*Provider)(nil)
