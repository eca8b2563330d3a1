package compliance

import (
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
)

// ApprovalStatus is the lifecycle state of an approval request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest asks a human to clear one sensitive step
type ApprovalRequest struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StepIndex  int             `json:"step_index"`
	ActionKind actions.Kind    `json:"action_kind"`
	CreatedAt  time.Time       `json:"created_at"`
	Preview    actions.Preview `json:"preview"`
	Status     ApprovalStatus  `json:"status"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Resolved reports whether the request left pending
func (r *ApprovalRequest) Resolved() bool { return r.Status != ApprovalPending }

// Decision is the gatekeeper verdict for one action
type Decision struct {
	Allowed          bool             `json:"allowed"`
	RequiresApproval bool             `json:"requires_approval"`
	Approval         *ApprovalRequest `json:"approval,omitempty"`
	BlockReason      string           `json:"block_reason,omitempty"`
}

// Blocked reports a hard block (neither allowed nor gated)
func (d Decision) Blocked() bool { return !d.Allowed && !d.RequiresApproval }

// CheckOption refines a single CheckAction call
type CheckOption func(*checkOptions)

type checkOptions struct {
	step int
}

// AtStep records the step index on the approval request
func AtStep(i int) CheckOption {
	return func(o *checkOptions) { o.step = i }
}
