package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, config Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", config, zaptest.NewLogger(t))
	cb.now = clock.now
	cb.toNewGeneration(clock.now())
	return cb, clock
}

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errBoom }

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 0

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, ok); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Errorf("Expected call error, got %v", err)
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Errorf("Expected open breaker to reject without calling, got %v (called=%v)", err, called)
	}

	clock.advance(150 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", cb.State())
	}

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, ok); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.Timeout = time.Second
	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("expected open after half-open failure, got %s", cb.State())
	}
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.FailureThreshold = 1
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5 // Make sure it won't transition to closed

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(200 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, ok); err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if err := cb.Execute(ctx, ok); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("Expected too many requests error, got %v", err)
	}
}

func TestCircuitBreakerCounts(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, ok)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, ok)

	counts := cb.Counts()
	if counts.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("Expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestIsFailureClassification(t *testing.T) {
	errClient := errors.New("bad request")
	config := DefaultConfig()
	config.FailureThreshold = 2
	config.IsFailure = func(err error) bool { return !errors.Is(err, errClient) }
	cb, _ := newTestBreaker(t, config)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, func(context.Context) error { return errClient }); !errors.Is(err, errClient) {
			t.Fatalf("expected the call error back, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("client errors must not open the breaker, got %s", cb.State())
	}
}

func TestCancelledContextSkipsCall(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("expected context.Canceled without a call, got %v (called=%v)", err, called)
	}
	if cb.Counts().Requests != 0 {
		t.Error("cancelled calls must not be counted")
	}
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		fromState = from
		toState = to
	}

	cb, _ := newTestBreaker(t, config)
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	if !callbackCalled {
		t.Error("Expected state change callback to be called")
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Errorf("Expected transition from closed to open, got %s to %s", fromState, toState)
	}
}

func TestGroupIsolatesKeys(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	g := NewGroup("browser", config, zaptest.NewLogger(t))
	ctx := context.Background()

	_ = g.Execute(ctx, "outreach", fail)
	if err := g.Execute(ctx, "outreach", ok); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("expected outreach breaker open, got %v", err)
	}
	if err := g.Execute(ctx, "navigation", ok); err != nil {
		t.Errorf("navigation must be unaffected, got %v", err)
	}
	states := g.States()
	if states["outreach"] != StateOpen || states["navigation"] != StateClosed {
		t.Errorf("unexpected states: %v", states)
	}
	if g.Get("outreach") != g.Get("outreach") {
		t.Error("Get must return the same breaker for a key")
	}
}
