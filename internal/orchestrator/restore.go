package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/control"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// Restore re-creates the runs checkpointed by a previous process. Runs that
// had started come back PAUSED by the user: steps that were running are
// recorded as failed and a pending approval as expired, so its step is
// skipped once the run is resumed. Started runs beyond MaxConcurrentRuns
// and runs that never started are queued; a started run taken from the
// queue keeps its progress and starts PAUSED.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	snaps, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	// started runs take the free slots first
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].State != string(StateIdle) && snaps[j].State == string(StateIdle)
	})

	var restored []*run
	for _, snap := range snaps {
		r, err := o.fromSnapshot(snap)
		if err != nil {
			o.logger.Warn("Skipping unrestorable checkpoint", zap.String("run_id", snap.RunID), zap.Error(err))
			continue
		}
		func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, exists := o.runs[r.id]; exists || o.closed {
				return
			}
			if r.state != StateIdle && o.activeLocked() >= o.cfg.MaxConcurrentRuns {
				r.state = StateIdle
				r.pauseReason = PauseNone
				r.holdOnStart = true
			}
			o.runs[r.id] = r
			restored = append(restored, r)
			if r.state == StateIdle {
				o.queue = append(o.queue, r.id)
				o.enqueue(r, streaming.EventRunQueued, nil, "run restored to queue", map[string]interface{}{
					"restored": true,
					"position": len(o.queue),
				})
				o.gaugesLocked()
				return
			}
			r.ctrl.Pause(control.PauseRequest{Reason: string(PauseUser), RequestedBy: "restore"})
			o.enqueue(r, streaming.EventRunPaused, o.stepRef(r), "run restored paused", map[string]interface{}{
				"reason":   string(PauseUser),
				"restored": true,
			})
			r.ctx, r.cancel = context.WithCancel(o.baseCtx)
			o.launchLocked(r)
			o.gaugesLocked()
		}()
	}
	for _, r := range restored {
		o.bus.Drain(r.id)
		o.persist(r)
	}
	o.logger.Info("Restored runs from checkpoints", zap.Int("count", len(restored)))
	o.processQueue()
	return nil
}

func (o *Orchestrator) fromSnapshot(snap *checkpoint.Snapshot) (*run, error) {
	task := Task{
		ID:          snap.TaskID,
		Description: snap.Description,
		Priority:    Priority(snap.Priority),
		Metadata:    snap.Metadata,
		CreatedAt:   snap.TaskCreatedAt,
		Actions:     make([]actions.Action, len(snap.Steps)),
	}
	for i, st := range snap.Steps {
		a, err := actions.Decode(st.Action)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		task.Actions[i] = a
	}
	r := newRun(snap.RunID, task, control.NewHandler(snap.RunID, o.logger), snap.CreatedAt)
	r.version = snap.Version
	r.startedAt = snap.StartedAt
	r.current = snap.CurrentStep
	if r.current > len(r.steps) {
		r.current = len(r.steps)
	}
	now := o.now()
	for i, st := range snap.Steps {
		s := &r.steps[i]
		s.Status = StepState(st.Status)
		s.StartedAt = st.StartedAt
		s.CompletedAt = st.CompletedAt
		s.Retries = st.Retries
		s.Error = st.Error
		s.Result = st.Result
		s.SkipReason = st.SkipReason
		s.ApprovalID = st.ApprovalID
		if s.Status == StepRunning {
			s.Status = StepFailed
			s.Error = "interrupted by restart"
			s.CompletedAt = &now
			if r.current == i {
				r.current = i + 1
			}
		}
	}
	if snap.Approval != nil {
		req := *snap.Approval
		if req.Status == compliance.ApprovalPending {
			req.Status = compliance.ApprovalExpired
			req.Reason = "run restored after restart"
			req.ResolvedAt = &now
		}
		r.approvals[req.ID] = &req
	}

	switch RunState(snap.State) {
	case StateIdle:
		// queued again by an earlier restore
		r.holdOnStart = snap.StartedAt != nil
	case StateRunning, StatePaused:
		r.state = StatePaused
		r.pauseReason = PauseUser
	default:
		return nil, fmt.Errorf("unexpected state %q", snap.State)
	}
	return r, nil
}

// Cleanup drops stopped runs that ended more than maxAge ago, together with
// their event history and approval records. It returns how many were removed.
func (o *Orchestrator) Cleanup(maxAge time.Duration) int {
	cutoff := o.now().Add(-maxAge)
	var (
		removed   []string
		approvals []string
	)
	func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for id, r := range o.runs {
			if r.state != StateStopped || r.looping || r.endedAt == nil || r.endedAt.After(cutoff) {
				continue
			}
			delete(o.runs, id)
			removed = append(removed, id)
			for aid := range r.approvals {
				approvals = append(approvals, aid)
			}
		}
	}()
	for _, id := range removed {
		o.bus.ClearRunHistory(id)
	}
	if len(approvals) > 0 {
		o.gate.Forget(approvals...)
	}
	if len(removed) > 0 {
		o.logger.Debug("Cleaned up stopped runs", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// RunJanitor calls Cleanup every CleanupInterval until ctx is done
func (o *Orchestrator) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Cleanup(o.cfg.RetainStopped)
		}
	}
}
