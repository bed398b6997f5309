// Package anyllm provides a universal chat provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	settings := chat.NewSettings("anthropic", "ANTHROPIC_API_KEY", "", []string{"claude-sonnet-4-5"}, 0, 10)
//	p, err := anyllm.New("anthropic", settings)
package anyllm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// healthTimeout bounds the minimal completion issued by HealthCheck.
const healthTimeout = 5 * time.Second

// Provider implements chat.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backendName string
	settings    *chat.Settings
	caps        chat.Capabilities

	// The backend is created lazily on first use so the credential is looked
	// up at call time, not at construction.
	backendMu sync.Mutex
	backend   anyllmlib.Provider
}

// Compile-time interface assertion.
var _ chat.Provider = (*Provider)(nil)

// New creates a Provider for the given any-llm backend name, driven by settings.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile". The adapter's registry key is
// settings.Name, which need not equal the backend name.
func New(backendName string, settings *chat.Settings) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if settings == nil || settings.Name == "" {
		return nil, fmt.Errorf("anyllm: settings with a non-empty name are required")
	}
	if settings.DefaultModel() == "" {
		return nil, fmt.Errorf("anyllm: settings must list at least one model")
	}
	if !supportedBackend(backendName) {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}

	return &Provider{
		backendName: backendName,
		settings:    settings,
		caps:        capabilitiesFor(backendName, settings.DefaultModel()),
	}, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string {
	return p.settings.Name
}

// Capabilities implements chat.Provider.
func (p *Provider) Capabilities() chat.Capabilities {
	return p.caps
}

// Chat implements chat.Provider.
func (p *Provider) Chat(ctx context.Context, req chat.Request) (*chat.Response, error) {
	if err := p.settings.ValidateCall(); err != nil {
		return nil, err
	}
	backend, cerr := p.getBackend()
	if cerr != nil {
		return nil, cerr
	}

	params, perr := p.buildParams(req)
	if perr != nil {
		return nil, perr
	}

	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout())
	defer cancel()

	start := time.Now()
	resp, err := backend.Completion(callCtx, params)
	elapsed := time.Since(start)
	if err != nil {
		return nil, chat.Classify(p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, chat.NewError(chat.CodeInvalidResponse, p.Name(), "empty choices in backend response")
	}

	choice := resp.Choices[0]
	out := &chat.Response{
		ID:           uuid.NewString(),
		Text:         choice.Message.ContentString(),
		Provider:     p.Name(),
		Model:        params.Model,
		ResponseTime: elapsed,
		Timestamp:    time.Now().UTC(),
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		out.Tokens = resp.Usage.TotalTokens
	}
	return out, nil
}

// StreamChat implements chat.Provider.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.StreamChunk, error) {
	if !p.caps.Streaming {
		return nil, chat.NewError(chat.CodeStreamingNotSupported, p.Name(), "backend does not support streaming")
	}
	if err := p.settings.ValidateCall(); err != nil {
		return nil, err
	}
	backend, cerr := p.getBackend()
	if cerr != nil {
		return nil, cerr
	}

	params, perr := p.buildParams(req)
	if perr != nil {
		return nil, perr
	}

	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout())

	start := time.Now()
	backendChunks, backendErrs := backend.CompletionStream(callCtx, params)

	ch := make(chan chat.StreamChunk, 32)
	go func() {
		defer close(ch)
		defer cancel()

		var (
			textLen      int
			finishReason string
			tokens       int
		)

		for bc := range backendChunks {
			if len(bc.Choices) == 0 {
				continue
			}
			choice := bc.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			textLen += len(choice.Delta.Content)

			select {
			case ch <- chat.StreamChunk{
				ID:        uuid.NewString(),
				Type:      chat.ChunkContent,
				Timestamp: time.Now().UTC(),
				Text:      choice.Delta.Content,
			}:
			case <-callCtx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			ce := chat.Classify(p.Name(), err)
			if ce.Code == chat.CodeUnknown {
				ce.Code = chat.CodeStreamingError
			}
			select {
			case ch <- chat.StreamChunk{
				ID:        uuid.NewString(),
				Type:      chat.ChunkError,
				Timestamp: time.Now().UTC(),
				Err:       ce,
			}:
			case <-callCtx.Done():
			}
			return
		}

		// any-llm-go does not surface usage on stream chunks; estimate from
		// the accumulated text length.
		tokens = (textLen + 3) / 4
		if finishReason == "" {
			finishReason = "stop"
		}

		select {
		case ch <- chat.StreamChunk{
			ID:        uuid.NewString(),
			Type:      chat.ChunkMetadata,
			Timestamp: time.Now().UTC(),
			Summary: &chat.StreamSummary{
				Tokens:       tokens,
				Duration:     time.Since(start),
				FinishReason: finishReason,
				Provider:     p.Name(),
				Model:        params.Model,
			},
		}:
		case <-callCtx.Done():
		}
	}()

	return ch, nil
}

// HealthCheck implements chat.Provider. It issues a minimal one-token
// completion under a short deadline; any failure, including a missing
// credential, is reported as an unhealthy status.
func (p *Provider) HealthCheck(ctx context.Context) chat.Status {
	now := time.Now().UTC()
	st := chat.Status{Provider: p.Name(), LastCheck: now}

	if err := p.settings.ValidateCall(); err != nil {
		st.Detail = err.Message
		return st
	}
	backend, cerr := p.getBackend()
	if cerr != nil {
		st.Detail = cerr.Message
		return st
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	one := 1
	params := anyllmlib.CompletionParams{
		Model:     p.settings.DefaultModel(),
		Messages:  []anyllmlib.Message{{Role: anyllmlib.RoleUser, Content: "ping"}},
		MaxTokens: &one,
	}

	start := time.Now()
	_, err := backend.Completion(probeCtx, params)
	st.ResponseTime = time.Since(start)
	if err != nil {
		st.Detail = chat.Classify(p.Name(), err).Message
		return st
	}
	st.Healthy = true
	return st
}

// RateLimitStatus implements chat.Provider. any-llm-go exposes no rate-limit
// signal, so this always returns nil.
func (p *Provider) RateLimitStatus() *chat.RateLimitSnapshot {
	return nil
}

// getBackend returns the lazily constructed any-llm backend. The credential
// is resolved from the environment on first use so operators can rotate keys
// without rebuilding the adapter set.
func (p *Provider) getBackend() (anyllmlib.Provider, *chat.Error) {
	p.backendMu.Lock()
	defer p.backendMu.Unlock()
	if p.backend != nil {
		return p.backend, nil
	}

	cred, cerr := p.settings.Credential()
	if cerr != nil {
		return nil, cerr
	}

	opts := []anyllmlib.Option{anyllmlib.WithAPIKey(cred)}
	if p.settings.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(p.settings.BaseURL))
	}

	backend, err := createBackend(p.backendName, opts...)
	if err != nil {
		return nil, chat.WrapError(chat.CodeUnknown, p.Name(), err)
	}
	p.backend = backend
	return backend, nil
}

// buildParams converts a chat.Request into anyllm CompletionParams.
func (p *Provider) buildParams(req chat.Request) (anyllmlib.CompletionParams, *chat.Error) {
	if strings.TrimSpace(req.Message) == "" && len(req.History) == 0 {
		return anyllmlib.CompletionParams{}, chat.NewError(chat.CodeInvalidRequest, p.Name(), "request carries no message and no history")
	}

	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		messages = append(messages, anyllmlib.Message{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	if req.Message != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleUser,
			Content: req.Message,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.settings.DefaultModel(),
		Messages: messages,
	}
	if req.Preferences != nil {
		if req.Preferences.Temperature != nil {
			t := *req.Preferences.Temperature
			params.Temperature = &t
		}
		if req.Preferences.MaxTokens != nil {
			mt := *req.Preferences.MaxTokens
			params.MaxTokens = &mt
		}
	}
	return params, nil
}

// supportedBackend reports whether name is a known any-llm backend.
func supportedBackend(name string) bool {
	switch strings.ToLower(name) {
	case "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile":
		return true
	}
	return false
}

// createBackend creates the underlying any-llm-go provider for the given backend name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q", name)
	}
}

// capabilitiesFor returns Capabilities based on the backend family and known
// model names. Unknown models receive sensible defaults.
func capabilitiesFor(backendName, model string) chat.Capabilities {
	caps := chat.Capabilities{
		Streaming:       true,
		SystemMessage:   true,
		FunctionCalling: true,
		MessageFormat:   "openai",
		ContextWindow:   128_000,
		MaxOutputTokens: 4_096,
	}

	switch strings.ToLower(backendName) {
	case "anthropic":
		caps.MessageFormat = "anthropic"
	case "gemini":
		caps.MessageFormat = "gemini"
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
		caps.ImageInput = true
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_000_000
		caps.MaxOutputTokens = 32_768
		caps.ImageInput = true
	case strings.HasPrefix(lower, "claude-"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
		caps.ImageInput = true
	case strings.HasPrefix(lower, "gemini-"):
		caps.ContextWindow = 1_000_000
		caps.MaxOutputTokens = 8_192
		caps.ImageInput = true
	case strings.HasPrefix(lower, "deepseek"):
		caps.ContextWindow = 64_000
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "mistral"), strings.HasPrefix(lower, "ministral"):
		caps.ContextWindow = 128_000
	case strings.HasPrefix(lower, "llama"):
		caps.FunctionCalling = false
	}
	return caps
}
