// Package registry tracks the registered provider adapters, their live
// health status and the selection logic that picks the best provider for a
// request.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/provider/chat"
)

// outcomeWindow is the number of recent call outcomes kept per provider for
// the error rate reported in its status.
const outcomeWindow = 20

// entry pairs an adapter with its shared settings and per-provider call
// accounting.
type entry struct {
	provider chat.Provider
	settings *chat.Settings
	breaker  *breaker
	outcomes []bool // true = failure, most recent last
}

func (e *entry) errorRate() float64 {
	if len(e.outcomes) == 0 {
		return 0
	}
	var fails int
	for _, failed := range e.outcomes {
		if failed {
			fails++
		}
	}
	return float64(fails) / float64(len(e.outcomes))
}

func (e *entry) recordOutcome(failed bool) {
	e.outcomes = append(e.outcomes, failed)
	if len(e.outcomes) > outcomeWindow {
		e.outcomes = e.outcomes[len(e.outcomes)-outcomeWindow:]
	}
}

// Registry owns the set of registered adapters and their live status.
// Status entries are replaced wholesale on each probe. Safe for concurrent
// use.
type Registry struct {
	healthInterval time.Duration

	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string
	statuses map[string]chat.Status

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a [Registry].
type Option func(*Registry)

// WithHealthInterval sets the recurring health sweep interval. The default
// is 30 seconds.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.healthInterval = d
		}
	}
}

// New creates an empty registry. Call [Registry.StartHealthSweep] to begin
// the recurring probes.
func New(opts ...Option) *Registry {
	r := &Registry{
		healthInterval: 30 * time.Second,
		entries:        make(map[string]*entry),
		statuses:       make(map[string]chat.Status),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter with its shared settings. Registration order is
// preserved and acts as the tie-breaker for equal priorities.
func (r *Registry) Register(p chat.Provider, s *chat.Settings) error {
	if p == nil || s == nil {
		return fmt.Errorf("registry: provider and settings are required")
	}
	name := p.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("registry: provider %q is already registered", name)
	}
	r.entries[name] = &entry{
		provider: p,
		settings: s,
		breaker:  newBreaker(name),
	}
	r.order = append(r.order, name)
	slog.Info("provider registered", "provider", name, "priority", s.Priority())
	return nil
}

// Provider returns a registered adapter by name.
func (r *Registry) Provider(name string) (chat.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Settings returns the shared settings for a registered adapter.
func (r *Registry) Settings(name string) *chat.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.settings
	}
	return nil
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Status returns the last probed status for a provider. The second return is
// false when the provider has never been probed.
func (r *Registry) Status(name string) (chat.Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[name]
	return st, ok
}

// Statuses returns a snapshot copy of all probed statuses.
func (r *Registry) Statuses() map[string]chat.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]chat.Status, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// SetEnabled toggles a registered provider through its shared settings.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	s := r.Settings(name)
	if s == nil {
		return fmt.Errorf("registry: unknown provider %q", name)
	}
	s.SetEnabled(enabled)
	return nil
}

// SetPriority changes a registered provider's priority through its shared
// settings.
func (r *Registry) SetPriority(name string, priority int) error {
	s := r.Settings(name)
	if s == nil {
		return fmt.Errorf("registry: unknown provider %q", name)
	}
	s.SetPriority(priority)
	return nil
}

// Execute runs fn against the named provider's circuit breaker. Callers use
// this to wrap the actual adapter call so repeated failures trip the breaker
// and take the provider out of selection until the reset timeout elapses.
func (r *Registry) Execute(name string, fn func() error) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown provider %q", name)
	}

	err := e.breaker.Execute(fn)

	r.mu.Lock()
	e.recordOutcome(err != nil)
	r.mu.Unlock()
	return err
}

// available reports whether an entry may be selected: enabled, breaker not
// open, and status either healthy or never probed (optimistic).
func (r *Registry) available(name string, e *entry) bool {
	if !e.settings.Enabled() {
		return false
	}
	if e.breaker.State() == breakerOpen {
		return false
	}
	st, probed := r.statuses[name]
	return !probed || st.Healthy
}

// Select picks the provider for a request.
//
// If preferred names a registered provider that is available it wins. When
// the preferred provider cannot serve and allowFallback is false, Select
// fails with a non-retryable error. Otherwise all available providers are
// considered, sorted descending by priority with registration order breaking
// ties, and the first is returned. An empty candidate set yields a retryable
// no-providers error.
func (r *Registry) Select(preferred string, allowFallback bool) (chat.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		e, registered := r.entries[preferred]
		switch {
		case registered && r.available(preferred, e):
			return e.provider, nil
		case !allowFallback && registered && !e.settings.Enabled():
			return nil, chat.NewError(chat.CodeProviderDisabled, preferred,
				fmt.Sprintf("provider %q is disabled", preferred))
		case !allowFallback:
			return nil, chat.NewError(chat.CodeInvalidRequest, preferred,
				fmt.Sprintf("requested provider %q is unavailable and fallback is disallowed", preferred))
		}
	}

	candidates := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.available(name, r.entries[name]) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, chat.NewError(chat.CodeNoProviders, "",
			"no providers available")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return r.entries[candidates[i]].settings.Priority() >
			r.entries[candidates[j]].settings.Priority()
	})
	return r.entries[candidates[0]].provider, nil
}

// CheckAllProvidersHealth probes every registered adapter concurrently,
// replaces the stored statuses and returns a snapshot of the results.
func (r *Registry) CheckAllProvidersHealth(ctx context.Context) map[string]chat.Status {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, name := range names {
		g.Go(func() error {
			r.mu.RLock()
			e, ok := r.entries[name]
			r.mu.RUnlock()
			if !ok {
				return nil
			}

			st := e.provider.HealthCheck(ctx)

			r.mu.Lock()
			st.ErrorRate = e.errorRate()
			r.statuses[name] = st
			r.mu.Unlock()

			if !st.Healthy {
				slog.Warn("provider unhealthy",
					"provider", name, "detail", st.Detail)
			}
			return nil
		})
	}
	g.Wait()

	return r.Statuses()
}

// StartHealthSweep runs an initial probe and then sweeps at the configured
// interval until [Registry.Stop] is called or ctx is cancelled.
func (r *Registry) StartHealthSweep(ctx context.Context) {
	go func() {
		r.CheckAllProvidersHealth(ctx)

		ticker := time.NewTicker(r.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				r.CheckAllProvidersHealth(ctx)
			}
		}
	}()
}

// Stop halts the recurring health sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}
