package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return true }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	return latencyResult("Redis", start, err)
}

// PingHealthChecker wraps any component with a Ping method, such as a
// checkpoint store or the browser automation service.
type PingHealthChecker struct {
	name     string
	label    string
	target   Pinger
	critical bool
	timeout  time.Duration
}

// NewCheckpointHealthChecker checks the checkpoint store. Runs keep
// executing while it is down, so it is not critical.
func NewCheckpointHealthChecker(store Pinger) *PingHealthChecker {
	return &PingHealthChecker{name: "checkpoint", label: "Checkpoint store", target: store, timeout: 5 * time.Second}
}

// NewBrowserHealthChecker checks the browser automation service
func NewBrowserHealthChecker(browser Pinger) *PingHealthChecker {
	return &PingHealthChecker{name: "browser", label: "Browser service", target: browser, critical: true, timeout: 5 * time.Second}
}

func (p *PingHealthChecker) Name() string           { return p.name }
func (p *PingHealthChecker) IsCritical() bool       { return p.critical }
func (p *PingHealthChecker) Timeout() time.Duration { return p.timeout }

func (p *PingHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.target.Ping(ctx)
	return latencyResult(p.label, start, err)
}

func latencyResult(label string, start time.Time, err error) CheckResult {
	result := CheckResult{Timestamp: start, Duration: time.Since(start)}
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = label + " ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = label + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = label + " healthy"
	}
	return result
}

// BreakerHealthChecker reports degraded while any executor breaker is open
type BreakerHealthChecker struct {
	group *circuitbreaker.Group
}

func NewBreakerHealthChecker(group *circuitbreaker.Group) *BreakerHealthChecker {
	return &BreakerHealthChecker{group: group}
}

func (b *BreakerHealthChecker) Name() string           { return "executor_breakers" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	states := b.group.States()
	var open []string
	details := make(map[string]interface{}, len(states))
	for key, st := range states {
		details[key] = st.String()
		if st == circuitbreaker.StateOpen {
			open = append(open, key)
		}
	}
	sort.Strings(open)

	result := CheckResult{Status: StatusHealthy, Message: "All breakers closed", Details: details}
	if len(open) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d breaker(s) open: %v", len(open), open)
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
