// Package anthropic provides a chat provider backed by the official
// Anthropic Go SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// healthTimeout bounds the model-list probe issued by HealthCheck.
const healthTimeout = 5 * time.Second

// defaultMaxTokens is used when neither the request preferences nor the model
// capabilities provide a completion cap. The Anthropic API requires one.
const defaultMaxTokens = 4096

// Provider implements chat.Provider using the Anthropic Messages API.
type Provider struct {
	settings *chat.Settings
	caps     chat.Capabilities

	// The client is created lazily so the credential is looked up at call
	// time, not at construction.
	clientMu sync.Mutex
	client   *ant.Client
}

// Compile-time interface assertion.
var _ chat.Provider = (*Provider)(nil)

// New constructs an Anthropic chat Provider driven by settings.
func New(settings *chat.Settings) (*Provider, error) {
	if settings == nil || settings.Name == "" {
		return nil, fmt.Errorf("anthropic: settings with a non-empty name are required")
	}
	if settings.DefaultModel() == "" {
		return nil, fmt.Errorf("anthropic: settings must list at least one model")
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
	msg, err := client.Messages.New(callCtx, params)
	elapsed := time.Since(start)
	if err != nil {
		return nil, p.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		sb.WriteString(block.Text)
	}
	if sb.Len() == 0 {
		return nil, chat.NewError(chat.CodeInvalidResponse, p.Name(), "no text content in backend response")
	}

	return &chat.Response{
		ID:           uuid.NewString(),
		Text:         sb.String(),
		Provider:     p.Name(),
		Model:        string(params.Model),
		Tokens:       int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		ResponseTime: elapsed,
		Timestamp:    time.Now().UTC(),
		FinishReason: string(msg.StopReason),
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

	callCtx, cancel := context.WithTimeout(ctx, p.settings.CallTimeout())

	start := time.Now()
	stream := client.Messages.NewStreaming(callCtx, params)
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
			switch ev := stream.Current().AsAny().(type) {
			case ant.ContentBlockDeltaEvent:
				if ev.Delta.Text == "" {
					continue
				}
				select {
				case ch <- chat.StreamChunk{
					ID:        uuid.NewString(),
					Type:      chat.ChunkContent,
					Timestamp: time.Now().UTC(),
					Text:      ev.Delta.Text,
				}:
				case <-callCtx.Done():
					return
				}
			case ant.MessageDeltaEvent:
				tokens += int(ev.Usage.OutputTokens)
				if ev.Delta.StopReason != "" {
					finishReason = string(ev.Delta.StopReason)
				}
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
			finishReason = "end_turn"
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
// deadline, validating connectivity and the credential without consuming
// completion tokens.
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
	_, err := client.Models.List(probeCtx, ant.ModelListParams{})
	st.ResponseTime = time.Since(start)
	if err != nil {
		st.Detail = p.classify(err).Message
		return st
	}
	st.Healthy = true
	return st
}

// RateLimitStatus implements chat.Provider. The SDK does not expose
// rate-limit headers, so this always returns nil.
func (p *Provider) RateLimitStatus() *chat.RateLimitSnapshot {
	return nil
}

// getClient returns the lazily constructed SDK client.
func (p *Provider) getClient() (*ant.Client, *chat.Error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	cred, cerr := p.settings.Credential()
	if cerr != nil {
		return nil, cerr
	}

	opts := []option.RequestOption{option.WithAPIKey(cred)}
	if p.settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.settings.BaseURL))
	}

	client := ant.NewClient(opts...)
	p.client = &client
	return p.client, nil
}

// classify normalises SDK errors into the taxonomy, using the typed API error
// status when available.
func (p *Provider) classify(err error) *chat.Error {
	var apierr *ant.Error
	if errors.As(err, &apierr) {
		ce := chat.ClassifyStatus(p.Name(), apierr.StatusCode, apierr.Error())
		ce.Cause = err
		return ce
	}
	return chat.Classify(p.Name(), err)
}

// buildParams converts a chat.Request into Anthropic SDK params. The system
// prompt maps onto the API's dedicated system field rather than a message.
func (p *Provider) buildParams(req chat.Request) (ant.MessageNewParams, *chat.Error) {
	if strings.TrimSpace(req.Message) == "" && len(req.History) == 0 {
		return ant.MessageNewParams{}, chat.NewError(chat.CodeInvalidRequest, p.Name(), "request carries no message and no history")
	}

	maxTokens := int64(defaultMaxTokens)
	if p.caps.MaxOutputTokens > 0 {
		maxTokens = int64(p.caps.MaxOutputTokens)
	}

	params := ant.MessageNewParams{
		Model:     ant.Model(p.settings.DefaultModel()),
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []ant.TextBlockParam{{Text: req.SystemPrompt}}
	}

	for _, m := range req.History {
		switch m.Role {
		case chat.RoleSystem:
			// The Messages API takes system text out of band.
			params.System = append(params.System, ant.TextBlockParam{Text: m.Content})
		case chat.RoleUser:
			params.Messages = append(params.Messages, ant.NewUserMessage(ant.NewTextBlock(m.Content)))
		case chat.RoleAssistant:
			params.Messages = append(params.Messages, ant.NewAssistantMessage(ant.NewTextBlock(m.Content)))
		default:
			return ant.MessageNewParams{}, chat.NewError(chat.CodeInvalidRequest, p.Name(), fmt.Sprintf("unknown message role %q", m.Role))
		}
	}
	if req.Message != "" {
		params.Messages = append(params.Messages, ant.NewUserMessage(ant.NewTextBlock(req.Message)))
	}

	if req.Preferences != nil {
		if req.Preferences.Temperature != nil {
			params.Temperature = ant.Float(*req.Preferences.Temperature)
		}
		if req.Preferences.MaxTokens != nil {
			params.MaxTokens = int64(*req.Preferences.MaxTokens)
		}
	}
	return params, nil
}

// modelCapabilities returns Capabilities for known Anthropic model names.
func modelCapabilities(model string) chat.Capabilities {
	caps := chat.Capabilities{
		Streaming:       true,
		SystemMessage:   true,
		FunctionCalling: true,
		ImageInput:      true,
		MessageFormat:   "anthropic",
		ContextWindow:   200_000,
		MaxOutputTokens: 8_192,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "haiku"):
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "opus"):
		caps.MaxOutputTokens = 32_000
	case strings.Contains(lower, "sonnet"):
		caps.MaxOutputTokens = 64_000
	}
	return caps
}
