package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [breaker.Execute] while the breaker is open
// and the reset timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("provider circuit breaker is open")

// breakerState is the operating mode of a breaker.
type breakerState int

const (
	// breakerClosed forwards all calls.
	breakerClosed breakerState = iota
	// breakerOpen rejects calls until the reset timeout elapses.
	breakerOpen
	// breakerHalfOpen lets a limited number of probe calls through.
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	breakerHalfOpenMax  = 3
)

// breaker is a three-state circuit breaker guarding one provider. Safe for
// concurrent use.
type breaker struct {
	provider string

	mu              sync.Mutex
	state           breakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

func newBreaker(provider string) *breaker {
	return &breaker{provider: provider, state: breakerClosed}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn.
func (b *breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) >= breakerResetTimeout {
			b.state = breakerHalfOpen
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("provider breaker half-open", "provider", b.provider)
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}

	case breakerHalfOpen:
		if b.halfOpenCalls >= breakerHalfOpenMax {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	inHalfOpen := b.state == breakerHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(inHalfOpen)
	} else {
		b.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *breaker) recordFailure(inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.halfOpenFails++
		// Any half-open failure re-opens immediately.
		b.state = breakerOpen
		b.consecutiveFail = breakerMaxFailures
		slog.Warn("provider breaker re-opened", "provider", b.provider)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= breakerMaxFailures {
		b.state = breakerOpen
		slog.Warn("provider breaker opened",
			"provider", b.provider,
			"consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess must be called with b.mu held.
func (b *breaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		if b.halfOpenCalls-b.halfOpenFails >= breakerHalfOpenMax {
			b.state = breakerClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			slog.Info("provider breaker closed", "provider", b.provider)
		}
		return
	}
	b.consecutiveFail = 0
}

// State returns the current state, reporting half-open once the reset timeout
// has elapsed even though the transition happens on the next Execute.
func (b *breaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && time.Since(b.lastFailure) >= breakerResetTimeout {
		return breakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutiveFail = 0
	b.halfOpenCalls = 0
	b.halfOpenFails = 0
}
