package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/registry"
	provider "github.com/MrWong99/parley/pkg/provider/chat"
)

// Orchestrator drives chat requests through the registered providers: it
// resolves the session, merges its context into the request, selects a
// provider and walks the fallback chain until one attempt succeeds or a
// non-retryable failure aborts the chain.
type Orchestrator struct {
	registry *registry.Registry
	sessions *sessionStore
	metrics  *metricsLog
	obs      *observe.Metrics

	defaultProvider  string
	fallbackOrder    []string
	maxAttempts      int
	retryDelay       time.Duration
	maxContextLength int
}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithObserveMetrics wires OpenTelemetry instruments into the orchestrator.
func WithObserveMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		o.obs = m
	}
}

// NewOrchestrator creates an orchestrator over the given registry with the
// service tunables. Call [Orchestrator.Start] to begin the background sweeps.
func NewOrchestrator(reg *registry.Registry, svc config.ServiceConfig, opts ...OrchestratorOption) *Orchestrator {
	svc.ApplyDefaults()
	o := &Orchestrator{
		registry:         reg,
		sessions:         newSessionStore(svc.SessionTimeout.Std(), svc.SessionSweepInterval.Std()),
		metrics:          newMetricsLog(svc.MetricsMaxEntries, svc.MetricsTrimTo),
		defaultProvider:  svc.DefaultProvider,
		fallbackOrder:    svc.FallbackOrder,
		maxAttempts:      svc.MaxAttempts,
		retryDelay:       svc.RetryDelay.Std(),
		maxContextLength: svc.MaxContextLength,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sessions.onRemove = func(string) {
		o.obs.SessionClosed(context.Background())
	}
	return o
}

// Start launches the session expiry sweep and the daily metrics prune.
func (o *Orchestrator) Start(ctx context.Context) {
	o.sessions.startSweep(ctx)
	o.metrics.startDailySweep()
}

// Stop halts the background sweeps.
func (o *Orchestrator) Stop() {
	o.sessions.stop()
	o.metrics.stop()
}

// --- Session API ---

// CreateSession creates a new in-memory session with optional preference
// defaults and returns its snapshot.
func (o *Orchestrator) CreateSession(userID string, prefs *provider.Preferences) SessionInfo {
	s := o.sessions.create(userID, prefs)
	o.obs.SessionOpened(context.Background())
	return s.Snapshot()
}

// GetSession returns a snapshot of an existing session.
func (o *Orchestrator) GetSession(id string) (SessionInfo, error) {
	s, ok := o.sessions.get(id)
	if !ok {
		return SessionInfo{}, fmt.Errorf("chat: session %q not found", id)
	}
	return s.Snapshot(), nil
}

// SessionUpdate carries the mutable session fields; nil fields are left
// unchanged.
type SessionUpdate struct {
	SystemPrompt *string
	Preferences  *provider.Preferences
}

// UpdateSession applies an update to an existing session.
func (o *Orchestrator) UpdateSession(id string, update SessionUpdate) error {
	s, ok := o.sessions.get(id)
	if !ok {
		return fmt.Errorf("chat: session %q not found", id)
	}
	s.mu.Lock()
	if update.SystemPrompt != nil {
		s.systemPrompt = *update.SystemPrompt
	}
	if update.Preferences != nil {
		s.preferences = s.preferences.Merge(update.Preferences)
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// DeleteSession removes a session.
func (o *Orchestrator) DeleteSession(id string) error {
	return o.sessions.delete(id)
}

// SweepSessions removes expired sessions immediately and reports the count.
func (o *Orchestrator) SweepSessions() int {
	return o.sessions.sweep()
}

// --- Observability API ---

// Metrics returns the request metrics log, filtered by session when
// sessionID is non-empty.
func (o *Orchestrator) Metrics(sessionID string) []RequestMetric {
	return o.metrics.snapshot(sessionID)
}

// ProviderMetrics aggregates the metrics log per provider.
func (o *Orchestrator) ProviderMetrics() []ProviderPerformance {
	return o.metrics.providerPerformance()
}

// --- Send ---

// Send performs one chat request. The response carries the session ID in its
// metadata so callers that let Send create the session can continue it.
func (o *Orchestrator) Send(ctx context.Context, req provider.Request) (*provider.Response, error) {
	sess := o.resolveSession(&req)
	enhanced := o.enhance(req, sess)

	preferred := req.Provider
	if preferred == "" {
		preferred = o.defaultProvider
	}
	selected, err := o.registry.Select(preferred, true)
	if err != nil {
		return nil, err
	}

	candidates := o.fallbackList(selected.Name())
	var lastErr error

	for attempt, name := range candidates {
		p, ok := o.registry.Provider(name)
		if !ok {
			continue
		}
		if attempt > 0 {
			o.obs.RecordFallback(ctx, name)
			slog.Info("falling back", "provider", name, "attempt", attempt+1, "session_id", sess.ID)
		}

		start := time.Now()
		var resp *provider.Response
		execErr := o.registry.Execute(name, func() error {
			var callErr error
			resp, callErr = p.Chat(ctx, enhanced)
			return callErr
		})
		dur := time.Since(start)

		if execErr == nil && resp == nil {
			// Contract violation from the adapter; treat like a bad response.
			execErr = provider.NewError(provider.CodeInvalidResponse, name, "adapter returned neither a response nor an error")
		}
		if execErr == nil {
			o.recordAttempt(ctx, sess.ID, name, resp.Model, false, attempt, dur, resp.Tokens, nil)
			o.commit(sess, enhanced, resp)
			return resp, nil
		}
		if errors.Is(execErr, registry.ErrBreakerOpen) {
			// Provider is fenced off; move on without charging it a failure.
			continue
		}

		cerr := provider.Classify(name, execErr)
		o.recordAttempt(ctx, sess.ID, name, "", false, attempt, dur, 0, cerr)
		lastErr = cerr

		if cerr.Code == provider.CodeRateLimit {
			o.obs.RecordRateLimitHit(ctx, name)
		}
		if !cerr.Retryable() {
			return nil, cerr
		}
		if err := o.backoff(ctx); err != nil {
			return nil, provider.Classify(name, err)
		}
	}

	if lastErr == nil {
		lastErr = provider.NewError(provider.CodeNoProviders, "", "no providers available")
	}
	return nil, lastErr
}

// --- Stream ---

// Stream performs one streaming chat request. Chunks are forwarded in
// arrival order. On a mid-stream failure the adapter's error chunk is
// forwarded and, for retryable failures, the next fallback provider restarts
// the stream from the beginning. The returned channel is closed after the
// terminal chunk.
func (o *Orchestrator) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamChunk, error) {
	sess := o.resolveSession(&req)
	enhanced := o.enhance(req, sess)

	preferred := req.Provider
	if preferred == "" {
		preferred = o.defaultProvider
	}
	selected, err := o.registry.Select(preferred, true)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.StreamChunk)
	go o.runStream(ctx, out, sess, enhanced, o.fallbackList(selected.Name()))
	return out, nil
}

func (o *Orchestrator) runStream(ctx context.Context, out chan<- provider.StreamChunk, sess *Session, req provider.Request, candidates []string) {
	defer close(out)

	var lastErr *provider.Error
	lastErrForwarded := false

	for attempt, name := range candidates {
		p, ok := o.registry.Provider(name)
		if !ok {
			continue
		}
		if attempt > 0 {
			o.obs.RecordFallback(ctx, name)
			slog.Info("stream falling back", "provider", name, "attempt", attempt+1, "session_id", sess.ID)
		}

		start := time.Now()
		var text strings.Builder
		var summary *provider.StreamSummary
		var streamErr *provider.Error
		errChunkForwarded := false

		execErr := o.registry.Execute(name, func() error {
			ch, err := p.StreamChat(ctx, req)
			if err != nil {
				return err
			}
			for chunk := range ch {
				switch chunk.Type {
				case provider.ChunkContent:
					text.WriteString(chunk.Text)
				case provider.ChunkMetadata:
					summary = chunk.Summary
				case provider.ChunkError:
					streamErr = chunk.Err
					errChunkForwarded = true
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if streamErr != nil {
				return streamErr
			}
			return nil
		})
		dur := time.Since(start)

		if execErr == nil {
			resp := o.synthesizeResponse(name, summary, text.String(), dur)
			o.recordStreamAttempt(ctx, sess.ID, name, resp.Model, attempt, dur, resp.Tokens, nil)
			o.commit(sess, req, resp)
			return
		}
		if errors.Is(execErr, registry.ErrBreakerOpen) {
			continue
		}
		if ctx.Err() != nil {
			// Caller cancelled; nobody is reading anymore.
			return
		}

		cerr := provider.Classify(name, execErr)
		o.recordStreamAttempt(ctx, sess.ID, name, "", attempt, dur, 0, cerr)
		lastErr = cerr
		lastErrForwarded = errChunkForwarded

		if cerr.Code == provider.CodeRateLimit {
			o.obs.RecordRateLimitHit(ctx, name)
		}
		if !cerr.Retryable() {
			if !errChunkForwarded {
				o.emitErrorChunk(ctx, out, cerr)
			}
			return
		}
		if err := o.backoff(ctx); err != nil {
			return
		}
	}

	if lastErr == nil {
		lastErr = provider.NewError(provider.CodeNoProviders, "", "no providers available")
		lastErrForwarded = false
	}
	if !lastErrForwarded {
		o.emitErrorChunk(ctx, out, lastErr)
	}
}

func (o *Orchestrator) emitErrorChunk(ctx context.Context, out chan<- provider.StreamChunk, cerr *provider.Error) {
	chunk := provider.StreamChunk{
		ID:        uuid.NewString(),
		Type:      provider.ChunkError,
		Timestamp: time.Now(),
		Err:       cerr,
	}
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// synthesizeResponse builds the summary response a completed stream feeds
// into the session and metrics. Token counts fall back to a rough estimate
// when the provider reported none.
func (o *Orchestrator) synthesizeResponse(name string, summary *provider.StreamSummary, text string, dur time.Duration) *provider.Response {
	resp := &provider.Response{
		ID:           uuid.NewString(),
		Text:         text,
		Provider:     name,
		ResponseTime: dur,
		Timestamp:    time.Now(),
	}
	if summary != nil {
		resp.Tokens = summary.Tokens
		resp.Model = summary.Model
		resp.FinishReason = summary.FinishReason
		if summary.Provider != "" {
			resp.Provider = summary.Provider
		}
	}
	if resp.Tokens == 0 {
		resp.Tokens = (len(text) + 3) / 4
	}
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	return resp
}

// --- Shared helpers ---

// resolveSession finds or creates the session for a request and rewrites
// req.SessionID to the resolved ID.
func (o *Orchestrator) resolveSession(req *provider.Request) *Session {
	if req.SessionID != "" {
		if s, ok := o.sessions.get(req.SessionID); ok {
			s.touch()
			return s
		}
	}
	s := o.sessions.create("", req.Preferences)
	if req.SystemPrompt != "" {
		s.mu.Lock()
		s.systemPrompt = req.SystemPrompt
		s.mu.Unlock()
	}
	o.obs.SessionOpened(context.Background())
	req.SessionID = s.ID
	return s
}

// enhance merges the session context into the request. Request-level values
// win over session values.
func (o *Orchestrator) enhance(req provider.Request, sess *Session) provider.Request {
	history, systemPrompt, sessPrefs := sess.requestContext()

	if len(req.History) == 0 {
		req.History = history
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = systemPrompt
	}
	req.Preferences = sessPrefs.Merge(req.Preferences)
	return req
}

// fallbackList builds the ordered provider chain for a request: the selected
// provider first, then the configured fallback order (or priority order when
// none is configured), skipping duplicates and disabled providers. The chain
// is capped at maxAttempts.
func (o *Orchestrator) fallbackList(selected string) []string {
	seen := map[string]bool{selected: true}
	list := []string{selected}

	order := o.fallbackOrder
	if len(order) == 0 {
		order = o.priorityOrder()
	}
	for _, name := range order {
		if seen[name] {
			continue
		}
		s := o.registry.Settings(name)
		if s == nil || !s.Enabled() {
			continue
		}
		seen[name] = true
		list = append(list, name)
	}
	if o.maxAttempts > 0 && len(list) > o.maxAttempts {
		list = list[:o.maxAttempts]
	}
	return list
}

// priorityOrder returns all registered provider names sorted descending by
// priority, registration order breaking ties.
func (o *Orchestrator) priorityOrder() []string {
	names := o.registry.Names()
	sort.SliceStable(names, func(i, j int) bool {
		si, sj := o.registry.Settings(names[i]), o.registry.Settings(names[j])
		if si == nil || sj == nil {
			return false
		}
		return si.Priority() > sj.Priority()
	})
	return names
}

// backoff waits the fixed retry delay, aborting early on ctx cancellation.
func (o *Orchestrator) backoff(ctx context.Context) error {
	if o.retryDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(o.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// commit writes one completed exchange back into the session and stamps the
// session ID into the response metadata.
func (o *Orchestrator) commit(sess *Session, req provider.Request, resp *provider.Response) {
	sess.ensureSystemTurn(req.SystemPrompt)

	now := time.Now()
	user := provider.Message{
		Role:      provider.RoleUser,
		Content:   req.Message,
		Timestamp: now,
	}
	assistant := provider.Message{
		Role:      provider.RoleAssistant,
		Content:   resp.Text,
		Timestamp: now,
		Tokens:    resp.Tokens,
		Provider:  resp.Provider,
		Model:     resp.Model,
	}

	maxLen := o.maxContextLength
	if req.Preferences != nil && req.Preferences.MaxContextLength != nil {
		maxLen = *req.Preferences.MaxContextLength
	}
	sess.appendExchange(user, assistant, maxLen)

	if resp.Metadata == nil {
		resp.Metadata = make(map[string]string)
	}
	resp.Metadata["session_id"] = sess.ID
}

func (o *Orchestrator) recordAttempt(ctx context.Context, sessionID, name, model string, stream bool, attempt int, dur time.Duration, tokens int, cerr *provider.Error) {
	m := RequestMetric{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Provider:  name,
		Model:     model,
		Stream:    stream,
		Attempt:   attempt,
		Success:   cerr == nil,
		Tokens:    tokens,
		Duration:  dur,
		Timestamp: time.Now(),
	}
	code := ""
	if cerr != nil {
		m.ErrorCode = cerr.Code
		code = string(cerr.Code)
	}
	o.metrics.record(m)
	o.obs.RecordRequest(ctx, name, stream, dur, tokens, code)
}

func (o *Orchestrator) recordStreamAttempt(ctx context.Context, sessionID, name, model string, attempt int, dur time.Duration, tokens int, cerr *provider.Error) {
	o.recordAttempt(ctx, sessionID, name, model, true, attempt, dur, tokens, cerr)
}
