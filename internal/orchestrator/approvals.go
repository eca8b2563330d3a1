package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/control"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// awaitApproval registers req on the run, pauses it and waits for a
// resolution or the approval timeout. alive is false when the loop must
// exit; approved is true when the step may execute.
func (o *Orchestrator) awaitApproval(ctx context.Context, r *run, i int, req *compliance.ApprovalRequest) (alive, approved bool) {
	registered := false
	o.update(r, func() {
		if r.ctrl.IsCancelled() {
			o.gate.ExpireAction(req.ID, "run stopped")
			return
		}
		registered = true
		cp := *req
		r.approvals[req.ID] = &cp
		r.pending = req.ID
		r.steps[i].ApprovalID = req.ID
		// drain a resolution left over from an earlier approval
		select {
		case <-r.waiter:
		default:
		}

		expiresAt := req.CreatedAt.Add(o.cfg.ApprovalTimeout)
		o.enqueue(r, streaming.EventNeedsApproval, streaming.AtStep(i), fmt.Sprintf("%s requires approval", req.ActionKind), map[string]interface{}{
			"approval_id": req.ID,
			"kind":        string(req.ActionKind),
			"target":      req.Preview.Target,
			"content":     req.Preview.Content,
			"expires_at":  expiresAt,
		})
		if r.state == StateRunning {
			r.ctrl.Pause(control.PauseRequest{Reason: string(PauseApproval), RequestedBy: "gatekeeper"})
			r.transition(StatePaused)
			r.pauseReason = PauseApproval
			o.enqueue(r, streaming.EventRunPaused, streaming.AtStep(i), "run paused for approval", map[string]interface{}{
				"reason":      string(PauseApproval),
				"approval_id": req.ID,
			})
		} else if r.state == StatePaused {
			// a user pause that raced the gatekeeper; it is restored once
			// the approval is resolved
			r.userPaused = r.pauseReason == PauseUser
			r.pauseReason = PauseApproval
		}
	})
	if !registered {
		return false, false
	}
	o.logger.Info("Waiting for approval",
		zap.String("run_id", r.id),
		zap.Int("step", i),
		zap.String("approval_id", req.ID),
		zap.String("kind", string(req.ActionKind)),
	)

	timer := time.NewTimer(o.cfg.ApprovalTimeout)
	defer timer.Stop()

	var status compliance.ApprovalStatus
	select {
	case status = <-r.waiter:
	case <-timer.C:
		var ok bool
		if status, ok = o.expireApproval(r, i, req.ID); !ok {
			return false, false
		}
	case <-r.ctrl.Done():
		return false, false
	case <-ctx.Done():
		return false, false
	}

	if status == compliance.ApprovalApproved {
		return true, true
	}

	o.update(r, func() {
		reason := "approval denied"
		if a, ok := r.approvals[req.ID]; ok {
			switch {
			case status == compliance.ApprovalExpired:
				reason = fmt.Sprintf("approval timed out after %s", o.cfg.ApprovalTimeout)
			case a.Reason != "":
				reason = "approval denied: " + a.Reason
			}
		}
		o.skipLocked(r, i, reason)
	})
	return true, false
}

// expireApproval expires the approval on timeout. If a resolution won the
// race its status is returned instead; ok is false when the run was
// stopped meanwhile.
func (o *Orchestrator) expireApproval(r *run, i int, id string) (compliance.ApprovalStatus, bool) {
	expired := false
	o.update(r, func() {
		if !o.gate.ExpireAction(id, "approval timed out") {
			return
		}
		expired = true
		o.syncApprovalLocked(r, id)
		o.enqueue(r, streaming.EventApprovalTimeout, streaming.AtStep(i), "approval timed out", map[string]interface{}{
			"approval_id": id,
			"timeout":     o.cfg.ApprovalTimeout.String(),
		})
		o.releaseApprovalLocked(r, id)
	})
	if expired {
		o.logger.Warn("Approval timed out", zap.String("run_id", r.id), zap.String("approval_id", id))
		return compliance.ApprovalExpired, true
	}
	// the winner signalled the waiter before releasing the lock, unless it
	// was Stop
	select {
	case status := <-r.waiter:
		return status, true
	case <-r.ctrl.Done():
		return "", false
	}
}

// ApproveAction approves a pending approval of the run. Only the first
// resolution of an approval returns true; an approved run waiting on it
// resumes automatically.
func (o *Orchestrator) ApproveAction(runID, approvalID, by string) bool {
	return o.resolve(runID, approvalID, compliance.ApprovalApproved, by, "")
}

// DenyAction denies a pending approval; the gated step is skipped and the
// run continues with the next step.
func (o *Orchestrator) DenyAction(runID, approvalID, by, reason string) bool {
	return o.resolve(runID, approvalID, compliance.ApprovalDenied, by, reason)
}

func (o *Orchestrator) resolve(runID, approvalID string, status compliance.ApprovalStatus, by, reason string) bool {
	return o.mutate(runID, func(r *run) bool {
		req, ok := r.approvals[approvalID]
		if !ok || req.Resolved() {
			return false
		}
		var won bool
		if status == compliance.ApprovalApproved {
			won = o.gate.ApproveAction(approvalID, by)
		} else {
			won = o.gate.DenyAction(approvalID, by, reason)
		}
		if !won {
			return false
		}
		o.syncApprovalLocked(r, approvalID)

		typ, msg := streaming.EventApprovalGranted, "approval granted"
		if status == compliance.ApprovalDenied {
			typ, msg = streaming.EventApprovalDenied, "approval denied"
		}
		o.enqueue(r, typ, streaming.AtStep(req.StepIndex), msg, map[string]interface{}{
			"approval_id": approvalID,
			"resolved_by": by,
			"reason":      reason,
		})
		if r.pending == approvalID {
			o.releaseApprovalLocked(r, approvalID)
			select {
			case r.waiter <- status:
			default:
			}
		}
		o.logger.Info("Approval resolved",
			zap.String("run_id", runID),
			zap.String("approval_id", approvalID),
			zap.String("status", string(status)),
			zap.String("by", by),
		)
		return true
	})
}

// releaseApprovalLocked clears the pending approval and resumes a run
// paused for it. A run the user paused as well stays PAUSED until Resume.
func (o *Orchestrator) releaseApprovalLocked(r *run, id string) {
	if r.pending != id {
		return
	}
	r.pending = ""
	if r.state != StatePaused || r.pauseReason != PauseApproval {
		return
	}
	if r.userPaused {
		r.userPaused = false
		r.pauseReason = PauseUser
		o.logger.Info("Approval resolved, run stays paused by user", zap.String("run_id", r.id))
		return
	}
	r.ctrl.Resume(control.ResumeRequest{Reason: "approval resolved", RequestedBy: "orchestrator"})
	r.transition(StateRunning)
	o.enqueue(r, streaming.EventRunResumed, o.stepRef(r), "run resumed", nil)
}
