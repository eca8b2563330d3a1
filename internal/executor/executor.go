package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/interceptors"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

var timeAfter = time.After

// waitSlack is added to a Wait action's own duration when it exceeds the
// action timeout
const waitSlack = 5 * time.Second

// Config controls timeouts, retries and pacing
type Config struct {
	ActionTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// ActionsPerSecond > 0 spaces attempts across all runs
	ActionsPerSecond float64
	Burst            int
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		ActionTimeout: 30 * time.Second,
		MaxRetries:    2,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    5 * time.Second,
	}
}

// ExecContext identifies the step being executed
type ExecContext struct {
	RunID     string
	StepIndex int
	// Cancel, when closed, stops further attempts. Closing it does not
	// interrupt an attempt in flight; cancelling ctx does.
	Cancel <-chan struct{}
}

// Result is the outcome of one Execute call. Execute never returns an error
// or panics; failures are described here.
type Result struct {
	Success  bool                   `json:"success"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Err      error                  `json:"-"`
	Retries  int                    `json:"retries"`
	Attempts int                    `json:"attempts"`
	Duration time.Duration          `json:"duration"`
}

// Executor runs single actions against an Adapter
type Executor struct {
	adapter  Adapter
	cfg      Config
	breakers *circuitbreaker.Group
	pacer    *rate.Limiter
	logger   *zap.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithBreakers routes adapter calls through breakers keyed by action category
func WithBreakers(g *circuitbreaker.Group) Option {
	return func(e *Executor) { e.breakers = g }
}

// New creates an executor. Zero config fields take DefaultConfig values,
// except MaxRetries which may legitimately be 0.
func New(adapter Adapter, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{adapter: adapter, cfg: cfg, logger: logger}
	if cfg.ActionsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.pacer = rate.NewLimiter(rate.Limit(cfg.ActionsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs a with retries. ctx bounds the whole call, including an
// attempt in flight.
func (e *Executor) Execute(ctx context.Context, a actions.Action, ec ExecContext) Result {
	start := time.Now()
	kind := string(a.Kind())
	ctx, span := tracing.StartActionSpan(ctx, "executor.execute", ec.RunID, ec.StepIndex, kind)
	defer span.End()

	res := Result{}
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.interrupted(ctx, ec); err != nil {
			lastErr = err
			break
		}
		if attempt > 0 {
			if err := e.sleep(ctx, ec, e.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		if e.pacer != nil {
			if err := e.pacer.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		res.Attempts++
		data, err := e.attempt(ctx, a, ec, attempt)
		if err == nil {
			res.Success = true
			res.Data = data
			lastErr = nil
			break
		}
		lastErr = err
		e.logger.Warn("Action attempt failed",
			zap.String("run_id", ec.RunID),
			zap.Int("step", ec.StepIndex),
			zap.String("kind", kind),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if IsPermanent(err) || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
			errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			break
		}
	}

	if res.Attempts > 0 {
		res.Retries = res.Attempts - 1
	}
	res.Duration = time.Since(start)
	status := "success"
	if !res.Success {
		status = "failed"
		res.Err = lastErr
		if lastErr != nil {
			res.Error = lastErr.Error()
		}
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Int("autopilot.attempts", res.Attempts))
	metrics.RecordExecution(kind, status, res.Duration.Seconds())
	return res
}

func (e *Executor) interrupted(ctx context.Context, ec ExecContext) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if ec.Cancel != nil {
		select {
		case <-ec.Cancel:
			return ErrCancelled
		default:
		}
	}
	return nil
}

func (e *Executor) sleep(ctx context.Context, ec ExecContext, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return e.interrupted(ctx, ec)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-ec.Cancel:
		return ErrCancelled
	}
}

// backoff returns base*2^(attempt-1), capped
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt && d < e.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

func (e *Executor) timeoutFor(a actions.Action) time.Duration {
	if w, ok := a.(actions.Wait); ok && w.Duration+waitSlack > e.cfg.ActionTimeout {
		return w.Duration + waitSlack
	}
	return e.cfg.ActionTimeout
}

func (e *Executor) attempt(ctx context.Context, a actions.Action, ec ExecContext, n int) (map[string]interface{}, error) {
	kind := string(a.Kind())
	ctx, span := tracing.StartActionSpan(ctx, "executor.attempt", ec.RunID, ec.StepIndex, kind)
	defer span.End()
	span.SetAttributes(attribute.Int("autopilot.attempt", n+1))
	ctx = interceptors.WithRun(ctx, ec.RunID, ec.StepIndex)

	var data map[string]interface{}
	call := func(ctx context.Context) error {
		var err error
		data, err = e.call(ctx, a)
		return err
	}
	var err error
	if e.breakers != nil {
		err = e.breakers.Execute(ctx, string(actions.CategoryOf(a.Kind())), call)
	} else {
		err = call(ctx)
	}

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case IsPermanent(err):
		result = "permanent_error"
	default:
		result = "error"
	}
	metrics.ExecutorAttempts.WithLabelValues(kind, result).Inc()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

type outcome struct {
	data map[string]interface{}
	err  error
}

// call runs the adapter in its own goroutine so a hung adapter can be
// abandoned at the timeout. The goroutine exits whenever the adapter does.
func (e *Executor) call(ctx context.Context, a actions.Action) (map[string]interface{}, error) {
	timeout := e.timeoutFor(a)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Adapter panicked", zap.String("kind", string(a.Kind())), zap.Any("panic", r))
				ch <- outcome{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		data, err := dispatch(actx, e.adapter, a)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case o := <-ch:
		// an adapter that gives up on its own deadline still counts as a timeout
		if o.err == nil || actx.Err() == nil {
			return o.data, o.err
		}
	case <-actx.Done():
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

// BreakerFailure is the circuit breaker classification for adapter errors:
// permanent errors and cancellations do not count against the service.
func BreakerFailure(err error) bool {
	return err != nil && !IsPermanent(err) && !errors.Is(err, ErrCancelled) &&
		!errors.Is(err, context.Canceled)
}
