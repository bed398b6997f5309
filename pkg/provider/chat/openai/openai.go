// Package openai provides a chat provider backed by the official OpenAI Go SDK.
//
// Unlike the universal anyllm adapter, this adapter speaks to the OpenAI API
// natively, which gives it access to rate-limit response headers and reported
// stream usage.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// healthTimeout bounds the model-list probe issued by HealthCheck.
const healthTimeout = 5 * time.Second

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	settings *chat.Settings
	caps     chat.Capabilities

	// The client is created lazily so the credential is looked up at call
	// time, not at construction.
	clientMu sync.Mutex
	client   *oai.Client

	// rateMu guards the rate-limit snapshot captured from response headers.
	rateMu    sync.Mutex
	rateLimit *chat.RateLimitSnapshot
}

// Compile-time interface assertion.
var _ chat.Provider = (*Provider)(nil)

// New constructs an OpenAI chat Provider driven by settings.
func New(settings *chat.Settings) (*Provider, error) {
	if settings == nil || settings.Name == "" {
		return nil, fmt.Errorf("openai: settings with a non-empty name are required")
	}
	if settings.DefaultModel() == "" {
		return nil, fmt.Errorf("openai: settings must list at least one model")
	}
	return &Provider{
		settings: settings,
		caps:     modelCapabilities(settings.DefaultModel()),
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
	client, cerr := p.getClient()
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
	resp, err := client.Chat.Completions.New(callCtx, params)
	elapsed := time.Since(start)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, chat.NewError(chat.CodeInvalidResponse, p.Name(), "empty choices in backend response")
	}

	choice := resp.Choices[0]
	return &chat.Response{
		ID:           uuid.NewString(),
		Text:         choice.Message.Content,
		Provider:     p.Name(),
		Model:        string(params.Model),
		Tokens:       int(resp.Usage.TotalTokens),
		ResponseTime: elapsed,
		Timestamp:    time.Now().UTC(),
		FinishReason: string(choice.FinishReason),
	}, nil
}

// StreamChat implements chat.Provider.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.StreamChunk, error) {
	if !p.caps.Streaming {
		return nil, chat.NewError(chat.CodeStreamingNotSupported, p.Name(), "model does not support streaming")
	}
	if err := p.settings.ValidateCall(); err != nil {
		return nil, err
	}
	client, cerr := p.getClient()
	if cerr != nil {
		return nil, cerr
	}

	params, perr := p.buildParams(req)
	if perr != nil {
		return nil, perr
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout())

	start := time.Now()
	stream := client.Chat.Completions.NewStreaming(callCtx, params)
	if err := stream.Err(); err != nil {
		cancel()
		return nil, p.classify(err)
	}

	ch := make(chan chat.StreamChunk, 32)
	go func() {
		defer close(ch)
		defer cancel()
		defer stream.Close()

		var (
			tokens       int
			finishReason string
		)

		for stream.Next() {
			sc := stream.Current()
			if sc.Usage.TotalTokens > 0 {
				tokens = int(sc.Usage.TotalTokens)
			}
			if len(sc.Choices) == 0 {
				continue
			}
			choice := sc.Choices[0]
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}

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

		if err := stream.Err(); err != nil {
			ce := p.classify(err)
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
				Model:        string(params.Model),
			},
		}:
		case <-callCtx.Done():
		}
	}()

	return ch, nil
}

// HealthCheck implements chat.Provider. It lists models under a short
// deadline, which validates both connectivity and the credential without
// consuming completion tokens.
func (p *Provider) HealthCheck(ctx context.Context) chat.Status {
	st := chat.Status{Provider: p.Name(), LastCheck: time.Now().UTC()}

	if err := p.settings.ValidateCall(); err != nil {
		st.Detail = err.Message
		return st
	}
	client, cerr := p.getClient()
	if cerr != nil {
		st.Detail = cerr.Message
		return st
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	_, err := client.Models.List(probeCtx)
	st.ResponseTime = time.Since(start)
	if err != nil {
		st.Detail = p.classify(err).Message
		return st
	}
	st.Healthy = true
	st.RateLimit = p.RateLimitStatus()
	return st
}

// RateLimitStatus implements chat.Provider. It returns the snapshot captured
// from the most recent response's x-ratelimit-* headers, or nil before the
// first backend response.
func (p *Provider) RateLimitStatus() *chat.RateLimitSnapshot {
	p.rateMu.Lock()
	defer p.rateMu.Unlock()
	if p.rateLimit == nil {
		return nil
	}
	snapshot := *p.rateLimit
	return &snapshot
}

// getClient returns the lazily constructed SDK client. A response middleware
// captures rate-limit headers into the adapter's snapshot.
func (p *Provider) getClient() (*oai.Client, *chat.Error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	cred, cerr := p.settings.Credential()
	if cerr != nil {
		return nil, cerr
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cred),
		option.WithMiddleware(p.captureRateLimits),
	}
	if p.settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.settings.BaseURL))
	}

	client := oai.NewClient(opts...)
	p.client = &client
	return p.client, nil
}

// captureRateLimits is an SDK middleware recording the backend's rate-limit
// headers after every response.
func (p *Provider) captureRateLimits(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	if err != nil || resp == nil {
		return resp, err
	}

	snapshot := chat.RateLimitSnapshot{RequestsRemaining: -1, TokensRemaining: -1}
	seen := false
	if v, ok := headerInt(resp, "x-ratelimit-remaining-requests"); ok {
		snapshot.RequestsRemaining = v
		seen = true
	}
	if v, ok := headerInt(resp, "x-ratelimit-remaining-tokens"); ok {
		snapshot.TokensRemaining = v
		seen = true
	}
	if seen {
		p.rateMu.Lock()
		p.rateLimit = &snapshot
		p.rateMu.Unlock()
	}
	return resp, nil
}

func headerInt(resp *http.Response, name string) (int, bool) {
	v := resp.Header.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// classify normalises SDK errors into the taxonomy, using the typed API error
// status when available.
func (p *Provider) classify(err error) *chat.Error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		ce := chat.ClassifyStatus(p.Name(), apierr.StatusCode, apierr.Message)
		ce.Cause = err
		return ce
	}
	return chat.Classify(p.Name(), err)
}

// buildParams converts a chat.Request into OpenAI SDK params.
func (p *Provider) buildParams(req chat.Request) (oai.ChatCompletionNewParams, *chat.Error) {
	if strings.TrimSpace(req.Message) == "" && len(req.History) == 0 {
		return oai.ChatCompletionNewParams{}, chat.NewError(chat.CodeInvalidRequest, p.Name(), "request carries no message and no history")
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case chat.RoleSystem:
			messages = append(messages, oai.SystemMessage(m.Content))
		case chat.RoleUser:
			messages = append(messages, oai.UserMessage(m.Content))
		case chat.RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, chat.NewError(chat.CodeInvalidRequest, p.Name(), fmt.Sprintf("unknown message role %q", m.Role))
		}
	}
	if req.Message != "" {
		messages = append(messages, oai.UserMessage(req.Message))
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.settings.DefaultModel()),
		Messages: messages,
	}
	if req.Preferences != nil {
		if req.Preferences.Temperature != nil {
			params.Temperature = param.NewOpt(*req.Preferences.Temperature)
		}
		if req.Preferences.MaxTokens != nil {
			params.MaxCompletionTokens = param.NewOpt(int64(*req.Preferences.MaxTokens))
		}
	}
	return params, nil
}

// modelCapabilities returns Capabilities for known OpenAI model names.
func modelCapabilities(model string) chat.Capabilities {
	caps := chat.Capabilities{
		Streaming:       true,
		SystemMessage:   true,
		FunctionCalling: true,
		MessageFormat:   "openai",
		ContextWindow:   128_000,
		MaxOutputTokens: 4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"):
		caps.MaxOutputTokens = 16_384
		caps.ImageInput = true
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
		caps.ImageInput = true
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_000_000
		caps.MaxOutputTokens = 32_768
		caps.ImageInput = true
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.FunctionCalling = false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.ImageInput = true
	}
	return caps
}
