package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/control"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// startLocked moves an IDLE run to RUNNING and launches its loop. A
// restored run keeps its start time and comes up PAUSED by the user.
func (o *Orchestrator) startLocked(r *run) {
	if !r.transition(StateRunning) {
		return
	}
	if r.startedAt == nil {
		now := o.now()
		r.startedAt = &now
	}
	r.ctx, r.cancel = context.WithCancel(o.baseCtx)
	o.enqueue(r, streaming.EventRunStarted, nil, "run started", map[string]interface{}{
		"task_id": r.task.ID,
		"steps":   len(r.steps),
	})
	metrics.RunsStarted.Inc()
	o.logger.Info("Run started",
		zap.String("run_id", r.id),
		zap.String("task_id", r.task.ID),
		zap.Int("steps", len(r.steps)),
	)
	if r.holdOnStart {
		r.holdOnStart = false
		r.ctrl.Pause(control.PauseRequest{Reason: string(PauseUser), RequestedBy: "restore"})
		r.transition(StatePaused)
		r.pauseReason = PauseUser
		o.enqueue(r, streaming.EventRunPaused, o.stepRef(r), "run restored paused", map[string]interface{}{
			"reason":   string(PauseUser),
			"restored": true,
		})
	}
	o.launchLocked(r)
}

func (o *Orchestrator) launchLocked(r *run) {
	r.looping = true
	o.wg.Add(1)
	go o.loop(r)
}

// processQueue starts queued runs, oldest first, while capacity allows
func (o *Orchestrator) processQueue() {
	var started []*run
	func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for len(o.queue) > 0 && !o.closed && o.activeLocked() < o.cfg.MaxConcurrentRuns {
			id := o.queue[0]
			o.queue = o.queue[1:]
			r, ok := o.runs[id]
			if !ok || r.state != StateIdle {
				continue
			}
			o.startLocked(r)
			started = append(started, r)
		}
		o.gaugesLocked()
	}()
	for _, r := range started {
		o.bus.Drain(r.id)
		o.persist(r)
	}
}
