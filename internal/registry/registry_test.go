package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/chat/mock"
)

func register(t *testing.T, r *Registry, name string, priority int, healthy bool) *mock.Provider {
	t.Helper()
	p := &mock.Provider{
		ProviderName: name,
		Health:       chat.Status{Healthy: healthy},
	}
	s := chat.NewSettings(name, "TEST_KEY", "", []string{"model-a"}, 10*time.Second, priority)
	if err := r.Register(p, s); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	return p
}

// TestSelectByPriority checks the documented selection order: highest
// priority wins, and an unhealthy leader is skipped.
func TestSelectByPriority(t *testing.T) {
	r := New()
	register(t, r, "a", 10, true)
	register(t, r, "b", 5, true)
	register(t, r, "c", 1, true)
	r.CheckAllProvidersHealth(context.Background())

	p, err := r.Select("", true)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "a" {
		t.Errorf("Select() = %q, want a", p.Name())
	}

	// Mark a unhealthy and re-probe.
	ma, _ := r.Provider("a")
	ma.(*mock.Provider).Health = chat.Status{Healthy: false, Detail: "down"}
	r.CheckAllProvidersHealth(context.Background())

	p, err = r.Select("", true)
	if err != nil {
		t.Fatalf("Select() after a down error = %v", err)
	}
	if p.Name() != "b" {
		t.Errorf("Select() after a down = %q, want b", p.Name())
	}
}

// TestSelectPriorityTieRegistrationOrder verifies the stable tie-break.
func TestSelectPriorityTieRegistrationOrder(t *testing.T) {
	r := New()
	register(t, r, "first", 5, true)
	register(t, r, "second", 5, true)

	p, err := r.Select("", true)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "first" {
		t.Errorf("Select() = %q, want first (registration order tie-break)", p.Name())
	}
}

// TestSelectUnprobedIsOptimistic verifies a never-probed provider counts as
// selectable.
func TestSelectUnprobedIsOptimistic(t *testing.T) {
	r := New()
	register(t, r, "fresh", 1, true)

	p, err := r.Select("fresh", false)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "fresh" {
		t.Errorf("Select() = %q, want fresh", p.Name())
	}
}

// TestSelectPreferredNoFallback verifies the non-retryable failure when a
// pinned provider is down and fallback is disallowed.
func TestSelectPreferredNoFallback(t *testing.T) {
	r := New()
	register(t, r, "a", 10, false)
	register(t, r, "b", 5, true)
	r.CheckAllProvidersHealth(context.Background())

	_, err := r.Select("a", false)
	if err == nil {
		t.Fatal("Select(a, no fallback) expected error")
	}
	var cerr *chat.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Select() error type = %T, want *chat.Error", err)
	}
	if cerr.Retryable() {
		t.Error("pinned-provider-unavailable error should be non-retryable")
	}

	// With fallback allowed, b serves instead.
	p, err := r.Select("a", true)
	if err != nil {
		t.Fatalf("Select(a, fallback) error = %v", err)
	}
	if p.Name() != "b" {
		t.Errorf("Select(a, fallback) = %q, want b", p.Name())
	}
}

// TestSelectDisabledProvider verifies disabled providers are never selected
// and produce PROVIDER_DISABLED when pinned without fallback.
func TestSelectDisabledProvider(t *testing.T) {
	r := New()
	register(t, r, "a", 10, true)
	register(t, r, "b", 5, true)
	if err := r.SetEnabled("a", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	p, err := r.Select("", true)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "b" {
		t.Errorf("Select() = %q, want b (a disabled)", p.Name())
	}

	_, err = r.Select("a", false)
	var cerr *chat.Error
	if !errors.As(err, &cerr) || cerr.Code != chat.CodeProviderDisabled {
		t.Errorf("Select(a) error = %v, want code %s", err, chat.CodeProviderDisabled)
	}
}

// TestSelectNoProviders verifies the retryable empty-registry error.
func TestSelectNoProviders(t *testing.T) {
	r := New()
	_, err := r.Select("", true)
	var cerr *chat.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Select() error type = %T, want *chat.Error", err)
	}
	if cerr.Code != chat.CodeNoProviders {
		t.Errorf("code = %s, want %s", cerr.Code, chat.CodeNoProviders)
	}
	if !cerr.Retryable() {
		t.Error("no-providers error should be retryable")
	}
}

// TestHealthCheckIdempotent runs two immediate sweeps for a stable provider
// and verifies only timestamps differ.
func TestHealthCheckIdempotent(t *testing.T) {
	r := New()
	register(t, r, "stable", 1, true)

	first := r.CheckAllProvidersHealth(context.Background())["stable"]
	second := r.CheckAllProvidersHealth(context.Background())["stable"]

	if first.Healthy != second.Healthy {
		t.Errorf("Healthy changed between probes: %v then %v", first.Healthy, second.Healthy)
	}
	if first.Provider != second.Provider || first.Detail != second.Detail {
		t.Error("non-timestamp fields changed between probes")
	}
	if second.LastCheck.Before(first.LastCheck) {
		t.Error("LastCheck went backwards")
	}
}

// TestExecuteTripsBreaker drives repeated failures through Execute and
// verifies the provider drops out of selection, then recovers after a reset.
func TestExecuteTripsBreaker(t *testing.T) {
	r := New()
	register(t, r, "flaky", 10, true)
	register(t, r, "backup", 1, true)

	fail := errors.New("backend down")
	for i := 0; i < breakerMaxFailures; i++ {
		if err := r.Execute("flaky", func() error { return fail }); !errors.Is(err, fail) {
			t.Fatalf("Execute() error = %v, want %v", err, fail)
		}
	}

	// Breaker open: calls rejected, selection skips the provider.
	if err := r.Execute("flaky", func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Execute() after trip error = %v, want ErrBreakerOpen", err)
	}
	p, err := r.Select("", true)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if p.Name() != "backup" {
		t.Errorf("Select() with open breaker = %q, want backup", p.Name())
	}

	// Error rate reflects the recorded outcomes on the next sweep.
	st := r.CheckAllProvidersHealth(context.Background())["flaky"]
	if st.ErrorRate == 0 {
		t.Error("ErrorRate = 0 after recorded failures")
	}
}

// TestRegisterDuplicate rejects a second registration under the same name.
func TestRegisterDuplicate(t *testing.T) {
	r := New()
	register(t, r, "a", 1, true)
	p := &mock.Provider{ProviderName: "a"}
	s := chat.NewSettings("a", "KEY", "", []string{"m"}, time.Second, 1)
	if err := r.Register(p, s); err == nil {
		t.Error("Register() expected duplicate error")
	}
}

// TestStartHealthSweep verifies the background sweep populates statuses.
func TestStartHealthSweep(t *testing.T) {
	r := New(WithHealthInterval(10 * time.Millisecond))
	register(t, r, "a", 1, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartHealthSweep(ctx)
	defer r.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := r.Status("a"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sweep to populate status")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
