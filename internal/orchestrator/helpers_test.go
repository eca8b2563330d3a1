package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// browser is a scripted adapter: targets can be made to block until
// released or to fail.
type browser struct {
	mu      sync.Mutex
	calls   []string
	block   map[string]chan struct{}
	started map[string]chan struct{}
	fail    map[string]error
}

func newBrowser() *browser {
	return &browser{
		block:   make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
		fail:    make(map[string]error),
	}
}

// hold makes calls for target block until the returned func is called. The
// second return is closed once the call has started.
func (b *browser) hold(target string) (release func(), started <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	st := make(chan struct{})
	b.block[target] = ch
	b.started[target] = st
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }, st
}

func (b *browser) failWith(target string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[target] = err
}

func (b *browser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *browser) adapter() executor.FuncAdapter {
	return func(ctx context.Context, a actions.Action) (map[string]interface{}, error) {
		b.mu.Lock()
		b.calls = append(b.calls, a.Target())
		ch := b.block[a.Target()]
		st := b.started[a.Target()]
		delete(b.started, a.Target())
		err := b.fail[a.Target()]
		b.mu.Unlock()

		if st != nil {
			close(st)
		}
		if ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"target": a.Target()}, nil
	}
}

type harness struct {
	t       *testing.T
	o       *Orchestrator
	bus     *streaming.Manager
	gate    *compliance.Gatekeeper
	browser *browser
}

func testConfig() Config {
	return Config{
		MaxConcurrentRuns: 3,
		ApprovalTimeout:   5 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config, p compliance.Policy, opts ...Option) *harness {
	t.Helper()
	return newWrappedHarness(t, cfg, p, nil, opts...)
}

// newWrappedHarness hands the orchestrator wrap(gatekeeper) instead of the
// gatekeeper itself
func newWrappedHarness(t *testing.T, cfg Config, p compliance.Policy, wrap func(*compliance.Gatekeeper) Gate, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := streaming.NewManager(512, logger)
	gate := compliance.New(p, logger)
	var g Gate = gate
	if wrap != nil {
		g = wrap(gate)
	}
	b := newBrowser()
	exec := executor.New(b.adapter(), executor.Config{
		ActionTimeout: 5 * time.Second,
		MaxRetries:    0,
		BackoffBase:   time.Millisecond,
	}, logger)
	o := New(cfg, g, exec, bus, logger, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return &harness{t: t, o: o, bus: bus, gate: gate, browser: b}
}

func (h *harness) start(list ...actions.Action) string {
	h.t.Helper()
	id, err := h.o.Start(Task{Description: "test", Actions: list})
	require.NoError(h.t, err)
	return id
}

// wait blocks until the run is stopped and every event was delivered
func (h *harness) wait(runID string) RunView {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.o.Wait(ctx, runID))
	require.NoError(h.t, h.bus.AwaitIdle(ctx, runID))
	v, ok := h.o.GetRun(runID)
	require.True(h.t, ok)
	return v
}

// waitEvent blocks until the history of runID holds an event of typ
func (h *harness) waitEvent(runID string, typ streaming.EventType) streaming.Event {
	h.t.Helper()
	var found streaming.Event
	require.Eventually(h.t, func() bool {
		for _, e := range h.bus.History(runID) {
			if e.Type == typ {
				found = e
				return true
			}
		}
		return false
	}, 5*time.Second, 2*time.Millisecond, "no %s event for run %s", typ, runID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.bus.AwaitIdle(ctx, runID))
	return found
}

func (h *harness) waitState(runID string, state RunState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		s, ok := h.o.GetRunState(runID)
		return ok && s == state
	}, 5*time.Second, 2*time.Millisecond, "run %s never reached %s", runID, state)
}

func (h *harness) types(runID string) []streaming.EventType {
	var out []streaming.EventType
	for _, e := range h.bus.History(runID) {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) count(runID string, typ streaming.EventType) int {
	n := 0
	for _, e := range h.bus.History(runID) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func nav(n string) actions.Action   { return actions.Navigate{URL: "https://site.test/" + n} }
func click(sel string) actions.Action { return actions.Click{Selector: sel} }
func message(to string) actions.Action {
	return actions.SendMessage{Recipient: to, Body: "hello " + to}
}
