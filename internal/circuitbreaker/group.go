package circuitbreaker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Group lazily creates one breaker per key, so a failing endpoint of the
// remote service only blocks actions routed to it.
type Group struct {
	service string
	config  Config
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates breakers sharing config, reported under service
func NewGroup(service string, config Config, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		service:  service,
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cfg := g.config
	cfg.OnStateChange = stateChangeRecorder(g.service, g.config.OnStateChange)
	cb := NewCircuitBreaker(key, cfg, g.logger)
	g.breakers[key] = cb
	return cb
}

// Execute runs fn through the breaker of key and records the outcome
func (g *Group) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	cb := g.Get(key)
	err := cb.Execute(ctx, fn)
	recordRequest(key, g.service, cb.State(), err)
	return err
}

// States reports the state of every breaker created so far
func (g *Group) States() map[string]State {
	g.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(g.breakers))
	for k, cb := range g.breakers {
		breakers[k] = cb
	}
	g.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for k, cb := range breakers {
		out[k] = cb.State()
	}
	return out
}
