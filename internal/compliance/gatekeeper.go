package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/ratecontrol"
)

// Gatekeeper decides whether an action may run, must be blocked, or needs a
// human approval first. Rate counters and the do-not-contact set are shared
// across runs.
type Gatekeeper struct {
	mu            sync.Mutex
	limiter       *ratecontrol.Limiter
	suppressed    map[string]struct{}
	extraApproval map[actions.Kind]bool
	approvals     map[string]*ApprovalRequest

	engine      policy.Engine
	environment string
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Gatekeeper
type Option func(*gatekeeperOptions)

type gatekeeperOptions struct {
	store       ratecontrol.Store
	engine      policy.Engine
	environment string
	now         func() time.Time
}

// WithRateStore selects where rate counters live (in-memory by default)
func WithRateStore(s ratecontrol.Store) Option {
	return func(o *gatekeeperOptions) { o.store = s }
}

// WithPolicyEngine adds a rule layer evaluated for every action
func WithPolicyEngine(e policy.Engine, environment string) Option {
	return func(o *gatekeeperOptions) {
		o.engine = e
		o.environment = environment
	}
}

// WithClock overrides time.Now for approval timestamps
func WithClock(now func() time.Time) Option {
	return func(o *gatekeeperOptions) { o.now = now }
}

// New creates a gatekeeper enforcing p
func New(p Policy, logger *zap.Logger, opts ...Option) *Gatekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := gatekeeperOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Gatekeeper{
		limiter:     ratecontrol.NewLimiter(p.RateLimits, o.store, logger),
		approvals:   make(map[string]*ApprovalRequest),
		engine:      o.engine,
		environment: o.environment,
		logger:      logger,
		now:         o.now,
	}
	g.ReplaceSuppressions(p.DoNotContact)
	g.SetApprovalRequired(p.ApprovalRequired)
	return g
}

// Apply swaps limits, suppressions and extra approval kinds in one go.
// Counters and approval records are kept.
func (g *Gatekeeper) Apply(p Policy) {
	g.SetLimits(p.RateLimits)
	g.ReplaceSuppressions(p.DoNotContact)
	g.SetApprovalRequired(p.ApprovalRequired)
}

// SetLimits replaces the rate limit table
func (g *Gatekeeper) SetLimits(t ratecontrol.Table) {
	g.limiter.SetLimits(t)
}

// SetApprovalRequired sets kinds gated on top of the static table
func (g *Gatekeeper) SetApprovalRequired(kinds []actions.Kind) {
	extra := make(map[actions.Kind]bool, len(kinds))
	for _, k := range kinds {
		extra[k] = true
	}
	g.mu.Lock()
	g.extraApproval = extra
	g.mu.Unlock()
}

// CheckAction runs the do-not-contact, rule, rate and approval checks in
// that order. A gated action gets a fresh pending approval request which the
// gatekeeper keeps until Forget; the returned request is a copy.
func (g *Gatekeeper) CheckAction(ctx context.Context, a actions.Action, runID string, opts ...CheckOption) Decision {
	var co checkOptions
	for _, opt := range opts {
		opt(&co)
	}
	kind := a.Kind()

	if g.IsSuppressed(a.Target()) {
		return g.block(kind, "dnc", fmt.Sprintf("target %s is on the do-not-contact list", a.Target()))
	}

	g.mu.Lock()
	needsApproval := actions.RequiresApproval(kind) || g.extraApproval[kind]
	g.mu.Unlock()

	if g.engine != nil && g.engine.IsEnabled() {
		d, err := g.engine.Evaluate(ctx, &policy.ActionInput{
			RunID:            runID,
			StepIndex:        co.step,
			Kind:             string(kind),
			Category:         string(actions.CategoryOf(kind)),
			Target:           a.Target(),
			Content:          a.Content(),
			RequiresApproval: needsApproval,
			Environment:      g.environment,
			Timestamp:        g.now(),
		})
		if err != nil {
			g.logger.Warn("Policy evaluation error", zap.String("run_id", runID), zap.Error(err))
		}
		if d != nil {
			if !d.Allow {
				return g.block(kind, "policy", fmt.Sprintf("blocked by policy: %s", d.Reason))
			}
			if d.RequireApproval {
				needsApproval = true
			}
		}
	}

	// rate admission and approval registration form one critical section
	g.mu.Lock()
	defer g.mu.Unlock()

	v := g.limiter.Allow(ctx, string(kind), string(actions.CategoryOf(kind)))
	if !v.Allowed {
		metrics.ComplianceDecisions.WithLabelValues(string(kind), "rate_limited").Inc()
		g.logger.Info("Action rate limited",
			zap.String("run_id", runID),
			zap.String("kind", string(kind)),
			zap.String("key", v.Key),
		)
		return Decision{BlockReason: v.Reason()}
	}

	if !needsApproval {
		metrics.ComplianceDecisions.WithLabelValues(string(kind), "allowed").Inc()
		return Decision{Allowed: true}
	}

	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		RunID:      runID,
		StepIndex:  co.step,
		ActionKind: kind,
		CreatedAt:  g.now(),
		Preview:    actions.PreviewOf(a),
		Status:     ApprovalPending,
	}
	g.approvals[req.ID] = req
	metrics.ComplianceDecisions.WithLabelValues(string(kind), "approval_required").Inc()
	metrics.ApprovalsRequested.WithLabelValues(string(kind)).Inc()

	cp := *req
	return Decision{RequiresApproval: true, Approval: &cp}
}

func (g *Gatekeeper) block(kind actions.Kind, outcome, reason string) Decision {
	metrics.ComplianceDecisions.WithLabelValues(string(kind), outcome).Inc()
	return Decision{BlockReason: reason}
}

// ApproveAction marks a pending request approved. Only the first resolving
// call on an id returns true.
func (g *Gatekeeper) ApproveAction(id, by string) bool {
	return g.resolve(id, ApprovalApproved, by, "")
}

// DenyAction marks a pending request denied
func (g *Gatekeeper) DenyAction(id, by, reason string) bool {
	return g.resolve(id, ApprovalDenied, by, reason)
}

// ExpireAction marks a pending request expired (timeout, stop, crash)
func (g *Gatekeeper) ExpireAction(id, reason string) bool {
	return g.resolve(id, ApprovalExpired, "", reason)
}

func (g *Gatekeeper) resolve(id string, status ApprovalStatus, by, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.approvals[id]
	if !ok || req.Resolved() {
		return false
	}
	now := g.now()
	req.Status = status
	req.ResolvedAt = &now
	req.ResolvedBy = by
	req.Reason = reason
	metrics.RecordApprovalResolved(string(status), now.Sub(req.CreatedAt).Seconds())
	return true
}

// Approval returns a copy of the request with the given id
func (g *Gatekeeper) Approval(id string) (ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.approvals[id]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *req, true
}

// PendingApprovals lists pending requests, optionally for one run, oldest first
func (g *Gatekeeper) PendingApprovals(runID string) []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ApprovalRequest
	for _, req := range g.approvals {
		if req.Status == ApprovalPending && (runID == "" || req.RunID == runID) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Forget drops approval records, typically when their run is cleaned up
func (g *Gatekeeper) Forget(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.approvals, id)
	}
}

// Limits returns the current rate limit table
func (g *Gatekeeper) Limits() ratecontrol.Table {
	return g.limiter.Limits()
}
