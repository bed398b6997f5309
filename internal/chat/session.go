// Package chat implements the orchestration layer: session management, the
// provider fallback loop for single-shot and streaming requests, and the
// in-memory request metrics log.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	provider "github.com/MrWong99/parley/pkg/provider/chat"
)

// Session is one in-memory conversation. Sessions are not the durable
// conversation record; they only carry the working context between requests.
//
// All mutable state is guarded by the session's own mutex so concurrent
// requests against the same session serialize their read-modify-write of the
// turn list.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	systemPrompt string
	preferences  *provider.Preferences
	turns        []provider.Message
	messageCount int
	totalTokens  int
	providers    map[string]int
}

// SessionInfo is a point-in-time snapshot of a session for external readers.
type SessionInfo struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
	SystemPrompt string
	Preferences  *provider.Preferences
	Turns        []provider.Message
	MessageCount int
	TotalTokens  int
	Providers    map[string]int
}

func newSession(userID string, prefs *provider.Preferences) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		lastActivity: now,
		preferences:  prefs,
		providers:    make(map[string]int),
	}
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := make([]provider.Message, len(s.turns))
	copy(turns, s.turns)
	providers := make(map[string]int, len(s.providers))
	for k, v := range s.providers {
		providers[k] = v
	}
	return SessionInfo{
		ID:           s.ID,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		SystemPrompt: s.systemPrompt,
		Preferences:  s.preferences,
		Turns:        turns,
		MessageCount: s.messageCount,
		TotalTokens:  s.totalTokens,
		Providers:    providers,
	}
}

// requestContext returns the session-side request inputs: prior turns,
// system prompt and preferences. The returned slice is a copy.
func (s *Session) requestContext() (history []provider.Message, systemPrompt string, prefs *provider.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history = make([]provider.Message, len(s.turns))
	copy(history, s.turns)
	return history, s.systemPrompt, s.preferences
}

// touch bumps the activity timestamp.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// expired reports whether the session has been idle longer than timeout.
func (s *Session) expired(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > timeout
}

// ensureSystemTurn seeds an empty turn list with the system prompt so
// trimming can preserve it at the head later.
func (s *Session) ensureSystemTurn(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prompt == "" || len(s.turns) > 0 {
		return
	}
	s.turns = append(s.turns, provider.Message{
		Role:      provider.RoleSystem,
		Content:   prompt,
		Timestamp: time.Now(),
	})
}

// appendExchange appends the user and assistant turns of one completed
// request, trims the turn list to 2×maxContextLength recent turns (keeping a
// leading system turn when present) and updates the aggregate counters.
func (s *Session) appendExchange(user, assistant provider.Message, maxContextLength int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, user, assistant)
	s.turns = trimTurns(s.turns, 2*maxContextLength)

	s.messageCount += 2
	s.totalTokens += assistant.Tokens
	if assistant.Provider != "" {
		s.providers[assistant.Provider]++
	}
	s.lastActivity = time.Now()
}

// trimTurns keeps at most limit recent turns, preserving a leading system
// turn in addition to the recent window.
func trimTurns(turns []provider.Message, limit int) []provider.Message {
	if limit <= 0 || len(turns) <= limit {
		return turns
	}

	var head []provider.Message
	body := turns
	if turns[0].Role == provider.RoleSystem {
		head = turns[:1]
		body = turns[1:]
	}
	if len(body) > limit {
		body = body[len(body)-limit:]
	}

	out := make([]provider.Message, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, body...)
	return out
}

// sessionStore holds live sessions and runs the expiry sweep.
type sessionStore struct {
	timeout       time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	done     chan struct{}
	stopOnce sync.Once

	// onRemove is invoked for every removed session (delete or expiry).
	onRemove func(id string)
}

func newSessionStore(timeout, sweepInterval time.Duration) *sessionStore {
	if timeout <= 0 {
		timeout = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &sessionStore{
		timeout:       timeout,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*Session),
		done:          make(chan struct{}),
	}
}

func (st *sessionStore) create(userID string, prefs *provider.Preferences) *Session {
	s := newSession(userID, prefs)
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	slog.Debug("session created", "session_id", s.ID, "user_id", userID)
	return s
}

func (st *sessionStore) get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *sessionStore) delete(id string) error {
	st.mu.Lock()
	_, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("chat: session %q not found", id)
	}
	if st.onRemove != nil {
		st.onRemove(id)
	}
	return nil
}

func (st *sessionStore) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// sweep removes every expired session and returns how many were dropped.
func (st *sessionStore) sweep() int {
	st.mu.Lock()
	var removed []string
	for id, s := range st.sessions {
		if s.expired(st.timeout) {
			delete(st.sessions, id)
			removed = append(removed, id)
		}
	}
	st.mu.Unlock()

	for _, id := range removed {
		if st.onRemove != nil {
			st.onRemove(id)
		}
	}
	if len(removed) > 0 {
		slog.Info("expired sessions removed", "count", len(removed))
	}
	return len(removed)
}

// startSweep runs the recurring expiry sweep until stop or ctx cancellation.
func (st *sessionStore) startSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(st.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-st.done:
				return
			case <-ticker.C:
				st.sweep()
			}
		}
	}()
}

func (st *sessionStore) stop() {
	st.stopOnce.Do(func() {
		close(st.done)
	})
}
