package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/control"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/tracing"
)

// loop executes the steps of r in order. It is the only goroutine that
// advances r.current.
func (o *Orchestrator) loop(r *run) {
	defer o.wg.Done()
	ctx, span := tracing.StartRunSpan(r.ctx, r.id, len(r.steps))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			span.SetStatus(codes.Error, fmt.Sprint(p))
			o.crash(r, p)
		}
		o.exit(r)
	}()

	o.execute(ctx, r)
	o.complete(r)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	for {
		if err := r.ctrl.CheckPausePoint(ctx, "step"); err != nil {
			return
		}

		var (
			i       int
			a       actions.Action
			proceed = true
			skipped bool
		)
		func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			switch {
			case r.ctrl.IsCancelled() || ctx.Err() != nil || r.current >= len(r.steps):
				proceed = false
			case r.state == StatePaused:
				// paused after the pause point let us through
				i = -1
			default:
				i = r.current
				a = r.steps[i].Action
				// an approval that expired while the process was down
				if id := r.steps[i].ApprovalID; id != "" && r.steps[i].Status == StepPending {
					if req, ok := r.approvals[id]; ok && req.Resolved() && req.Status != compliance.ApprovalApproved {
						o.skipLocked(r, i, "approval expired: "+req.Reason)
						skipped = true
					}
				}
			}
		}()
		if !proceed {
			return
		}
		if skipped {
			o.bus.Drain(r.id)
			o.persist(r)
			continue
		}
		if i < 0 {
			continue
		}
		if !o.runStep(ctx, r, i, a) {
			return
		}
	}
}

// runStep consults the gatekeeper and executes one step. It returns false
// when the loop must exit.
func (o *Orchestrator) runStep(ctx context.Context, r *run, i int, a actions.Action) bool {
	decision := o.gate.CheckAction(ctx, a, r.id, compliance.AtStep(i))
	switch {
	case decision.RequiresApproval && decision.Approval != nil:
		alive, approved := o.awaitApproval(ctx, r, i, decision.Approval)
		if !alive || !approved {
			return alive
		}
		// held here while a user pause outlives the approval
		if err := r.ctrl.CheckPausePoint(ctx, "approved"); err != nil {
			return false
		}
	case !decision.Allowed:
		reason := decision.BlockReason
		if reason == "" {
			reason = "blocked by compliance"
		}
		o.update(r, func() { o.skipLocked(r, i, reason) })
		return true
	}

	var cancelled bool
	o.update(r, func() {
		if r.ctrl.IsCancelled() {
			cancelled = true
			return
		}
		now := o.now()
		r.steps[i].Status = StepRunning
		r.steps[i].StartedAt = &now
	})
	if cancelled {
		return false
	}

	res := o.exec.Execute(ctx, a, executor.ExecContext{
		RunID:     r.id,
		StepIndex: i,
		Cancel:    r.ctrl.Done(),
	})

	interrupted := false
	o.update(r, func() {
		// the process is shutting down; leave the step running so a
		// restore records it as interrupted
		if ctx.Err() != nil && r.state != StateStopped {
			interrupted = true
			return
		}
		now := o.now()
		st := &r.steps[i]
		st.CompletedAt = &now
		st.Retries = res.Retries
		if res.Success {
			st.Status = StepCompleted
			st.Result = res.Data
		} else {
			st.Status = StepFailed
			st.Error = res.Error
			r.lastFailedKind = a.Kind()
		}
		r.current = i + 1
		metrics.StepsCompleted.WithLabelValues(string(a.Kind()), string(st.Status)).Inc()
	})
	if !res.Success {
		o.logger.Warn("Step failed",
			zap.String("run_id", r.id),
			zap.Int("step", i),
			zap.String("kind", string(a.Kind())),
			zap.Int("retries", res.Retries),
			zap.String("error", res.Error),
		)
	}
	return !interrupted
}

// skipLocked marks step i skipped and advances past it
func (o *Orchestrator) skipLocked(r *run, i int, reason string) {
	st := &r.steps[i]
	if st.Status != StepPending {
		return
	}
	now := o.now()
	st.Status = StepSkipped
	st.SkipReason = reason
	st.CompletedAt = &now
	if r.current == i {
		r.current = i + 1
	}
	metrics.StepsCompleted.WithLabelValues(string(st.Action.Kind()), string(StepSkipped)).Inc()
	o.enqueue(r, streaming.EventStepSkipped, streaming.AtStep(i), reason, map[string]interface{}{
		"kind":   string(st.Action.Kind()),
		"reason": reason,
	})
}

// complete emits the terminal event of a loop that ran out of steps
func (o *Orchestrator) complete(r *run) {
	o.update(r, func() {
		if r.state == StateStopped || r.ctrl.IsCancelled() {
			return
		}
		if r.ctx.Err() != nil {
			o.logger.Info("Run interrupted by shutdown", zap.String("run_id", r.id))
			return
		}
		sum := summarize(r.steps)
		var d time.Duration
		if r.startedAt != nil {
			d = o.now().Sub(*r.startedAt)
		}
		data := map[string]interface{}{
			"completed":   sum.Completed,
			"failed":      sum.Failed,
			"skipped":     sum.Skipped,
			"total":       sum.Total,
			"duration_ms": d.Milliseconds(),
		}
		if sum.Total > 0 && sum.Failed == sum.Total {
			r.err = "all steps failed"
			data["error"] = r.err
			data["kind"] = string(r.lastFailedKind)
			o.finishLocked(r, OutcomeFailed)
			o.enqueue(r, streaming.EventRunFailed, nil, r.err, data)
			o.logger.Warn("Run failed", zap.String("run_id", r.id), zap.Int("steps", sum.Total))
			return
		}
		o.finishLocked(r, OutcomeFinished)
		o.enqueue(r, streaming.EventRunFinished, nil, "run finished", data)
		o.logger.Info("Run finished",
			zap.String("run_id", r.id),
			zap.Int("completed", sum.Completed),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped),
			zap.Duration("duration", d),
		)
	})
}

// crash converts a panic in the loop into a stopped run and RUN_FAILED
func (o *Orchestrator) crash(r *run, p interface{}) {
	o.logger.Error("Run loop panicked", zap.String("run_id", r.id), zap.Any("panic", p))
	o.update(r, func() {
		kind := r.lastFailedKind
		if r.current < len(r.steps) {
			kind = r.steps[r.current].Action.Kind()
		}
		r.err = fmt.Sprintf("run loop panicked: %v", p)
		r.ctrl.Cancel(control.CancelRequest{Reason: "run loop panicked", RequestedBy: "orchestrator"})
		if r.pending != "" {
			if o.gate.ExpireAction(r.pending, "run failed") {
				o.syncApprovalLocked(r, r.pending)
			}
			r.pending = ""
		}
		o.finishLocked(r, OutcomeFailed)
		r.outcome = OutcomeFailed
		o.enqueue(r, streaming.EventRunFailed, o.stepRef(r), r.err, map[string]interface{}{
			"error": r.err,
			"kind":  string(kind),
		})
	})
}

// exit releases waiters and hands capacity to queued runs
func (o *Orchestrator) exit(r *run) {
	var stopped bool
	func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		r.looping = false
		stopped = r.state == StateStopped
		if stopped {
			close(r.done)
		}
	}()
	if stopped {
		o.processQueue()
	}
}
