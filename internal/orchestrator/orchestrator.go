package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/control"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/executor"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// Gate decides whether an action may run and owns approval records
type Gate interface {
	CheckAction(ctx context.Context, a actions.Action, runID string, opts ...compliance.CheckOption) compliance.Decision
	ApproveAction(id, by string) bool
	DenyAction(id, by, reason string) bool
	ExpireAction(id, reason string) bool
	Approval(id string) (compliance.ApprovalRequest, bool)
	Forget(ids ...string)
}

// Runner performs one action with retries
type Runner interface {
	Execute(ctx context.Context, a actions.Action, ec executor.ExecContext) executor.Result
}

// Orchestrator owns every run: its state machine, the FIFO queue of runs
// waiting for capacity, and the approval gate between the compliance
// gatekeeper and the execution loop.
type Orchestrator struct {
	mu    sync.Mutex
	runs  map[string]*run
	queue []string

	cfg    Config
	gate   Gate
	exec   Runner
	bus    *streaming.Manager
	store  checkpoint.Store
	logger *zap.Logger
	now    func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithStore persists snapshots of in-flight runs
func WithStore(s checkpoint.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(cfg Config, gate Gate, exec Runner, bus *streaming.Manager, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = streaming.NewManager(streaming.DefaultCapacity, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		runs:       make(map[string]*run),
		cfg:        cfg.withDefaults(),
		gate:       gate,
		exec:       exec,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bus returns the event bus runs publish to
func (o *Orchestrator) Bus() *streaming.Manager { return o.bus }

// Start creates a run for task and launches it, or queues it when
// MaxConcurrentRuns runs are already active. It fails only for an invalid
// task or after Shutdown.
func (o *Orchestrator) Start(task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	now := o.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}
	task.Actions = append([]actions.Action(nil), task.Actions...)
	if task.Metadata != nil {
		md := make(map[string]string, len(task.Metadata))
		for k, v := range task.Metadata {
			md[k] = v
		}
		task.Metadata = md
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}

	runID := uuid.NewString()
	r := newRun(runID, task, control.NewHandler(runID, o.logger), now)

	var rejected bool
	o.update(r, func() {
		if o.closed {
			rejected = true
			r.removed = true
			return
		}
		o.runs[runID] = r
		if o.activeLocked() >= o.cfg.MaxConcurrentRuns {
			o.queue = append(o.queue, runID)
			o.enqueue(r, streaming.EventRunQueued, nil, "run queued", map[string]interface{}{
				"task_id":  task.ID,
				"position": len(o.queue),
				"steps":    len(r.steps),
			})
			metrics.RunsQueued.Inc()
			o.logger.Info("Run queued",
				zap.String("run_id", runID),
				zap.String("task_id", task.ID),
				zap.Int("position", len(o.queue)),
			)
		} else {
			o.startLocked(r)
		}
		o.gaugesLocked()
	})
	if rejected {
		return "", ErrShuttingDown
	}
	return runID, nil
}

// Pause asks a RUNNING run to stop before its next step
func (o *Orchestrator) Pause(runID string) bool {
	return o.mutate(runID, func(r *run) bool {
		if r.state != StateRunning {
			return false
		}
		r.ctrl.Pause(control.PauseRequest{Reason: string(PauseUser), RequestedBy: "user"})
		r.transition(StatePaused)
		r.pauseReason = PauseUser
		o.enqueue(r, streaming.EventRunPaused, o.stepRef(r), "run paused", map[string]interface{}{
			"reason": string(PauseUser),
		})
		return true
	})
}

// Resume releases a run paused by Pause. A run waiting for an approval is
// only released by resolving the approval (or by Stop).
func (o *Orchestrator) Resume(runID string) bool {
	return o.mutate(runID, func(r *run) bool {
		if r.state != StatePaused || r.pauseReason != PauseUser {
			return false
		}
		r.ctrl.Resume(control.ResumeRequest{Reason: "resume", RequestedBy: "user"})
		r.transition(StateRunning)
		o.enqueue(r, streaming.EventRunResumed, o.stepRef(r), "run resumed", nil)
		return true
	})
}

// Stop cancels a RUNNING or PAUSED run. With immediate the in-flight
// adapter call is interrupted as well; otherwise it is allowed to finish
// and only further attempts are prevented.
func (o *Orchestrator) Stop(runID string, immediate bool) bool {
	ok := o.mutate(runID, func(r *run) bool {
		if !r.state.Active() {
			return false
		}
		o.enqueue(r, streaming.EventStopRequested, o.stepRef(r), "stop requested", map[string]interface{}{
			"immediate": immediate,
		})
		r.ctrl.Cancel(control.CancelRequest{Reason: "stop", RequestedBy: "user"})
		if immediate && r.cancel != nil {
			r.cancel()
		}
		if r.pending != "" {
			if o.gate.ExpireAction(r.pending, "run stopped") {
				o.syncApprovalLocked(r, r.pending)
			}
			r.pending = ""
		}
		o.enqueue(r, streaming.EventStopAcknowledged, o.stepRef(r), "stop acknowledged", nil)
		o.finishLocked(r, OutcomeStopped)
		o.enqueue(r, streaming.EventStopped, o.stepRef(r), "run stopped", map[string]interface{}{
			"summary": summarize(r.steps),
		})
		o.logger.Info("Run stopped", zap.String("run_id", r.id), zap.Bool("immediate", immediate))
		return true
	})
	if ok {
		o.processQueue()
	}
	return ok
}

// CancelQueued drops a run that is still waiting in the queue
func (o *Orchestrator) CancelQueued(runID string) bool {
	ok := o.mutate(runID, func(r *run) bool {
		if r.state != StateIdle {
			return false
		}
		for i, id := range o.queue {
			if id == runID {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
		delete(o.runs, runID)
		r.removed = true
		close(r.done)
		o.gaugesLocked()
		return true
	})
	if ok {
		o.bus.ClearRunHistory(runID)
	}
	return ok
}

// GetRun returns a copy of the run
func (o *Orchestrator) GetRun(runID string) (RunView, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return RunView{}, false
	}
	return r.view(), true
}

// GetRunState returns the state of the run
func (o *Orchestrator) GetRunState(runID string) (RunState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return "", false
	}
	return r.state, true
}

// GetActiveRuns lists RUNNING and PAUSED runs, oldest first
func (o *Orchestrator) GetActiveRuns() []RunView {
	return o.list(func(r *run) bool { return r.state.Active() })
}

// ListRuns lists every retained run, oldest first
func (o *Orchestrator) ListRuns() []RunView {
	return o.list(func(*run) bool { return true })
}

func (o *Orchestrator) list(keep func(*run) bool) []RunView {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RunView, 0, len(o.runs))
	for _, r := range o.runs {
		if keep(r) {
			out = append(out, r.view())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetPendingApprovals lists the unresolved approvals of a run
func (o *Orchestrator) GetPendingApprovals(runID string) []compliance.ApprovalRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return nil
	}
	return r.approvalList(true)
}

// QueueLength is the number of runs waiting for capacity
func (o *Orchestrator) QueueLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Wait blocks until the run is STOPPED and its loop has exited
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting runs and interrupts every loop without changing
// run state, so that checkpointed runs can be restored by the next process.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain run loops: %w", ctx.Err())
	}
}

// mutate applies fn to an existing run under the lock
func (o *Orchestrator) mutate(runID string, fn func(r *run) bool) bool {
	o.mu.Lock()
	r, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	var changed bool
	o.update(r, func() {
		if o.runs[runID] != r {
			return
		}
		changed = fn(r)
	})
	return changed
}

// update runs fn under the lock, then delivers the events fn enqueued and
// persists the run
func (o *Orchestrator) update(r *run, fn func()) {
	func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		fn()
	}()
	o.bus.Drain(r.id)
	o.persist(r)
}

func (o *Orchestrator) enqueue(r *run, typ streaming.EventType, step *int, msg string, data map[string]interface{}) {
	o.bus.Enqueue(streaming.Event{
		RunID:     r.id,
		Type:      typ,
		Step:      step,
		Message:   msg,
		Data:      data,
		Timestamp: o.now(),
	})
	metrics.EventsEmitted.WithLabelValues(string(typ)).Inc()
}

// stepRef points at the current step while one remains
func (o *Orchestrator) stepRef(r *run) *int {
	if r.current < len(r.steps) {
		return streaming.AtStep(r.current)
	}
	return nil
}

func (o *Orchestrator) activeLocked() int {
	n := 0
	for _, r := range o.runs {
		if r.state.Active() {
			n++
		}
	}
	return n
}

func (o *Orchestrator) gaugesLocked() {
	metrics.ActiveRuns.Set(float64(o.activeLocked()))
	metrics.QueueLength.Set(float64(len(o.queue)))
}

// finishLocked moves r to STOPPED and records the outcome
func (o *Orchestrator) finishLocked(r *run, outcome Outcome) {
	if !r.transition(StateStopped) {
		return
	}
	now := o.now()
	r.endedAt = &now
	r.outcome = outcome
	var d time.Duration
	if r.startedAt != nil {
		d = now.Sub(*r.startedAt)
	}
	metrics.RecordRunCompleted(string(outcome), d.Seconds())
	o.gaugesLocked()
}

func (o *Orchestrator) syncApprovalLocked(r *run, id string) {
	if req, ok := o.gate.Approval(id); ok {
		r.approvals[id] = &req
	}
}

// persist writes the latest state of r. Writes of one run are serialized
// and each one reads the state under the lock, so a stale snapshot never
// overwrites a newer one and a terminal run stays deleted.
func (o *Orchestrator) persist(r *run) {
	if o.store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	o.mu.Lock()
	terminal := r.removed || r.state == StateStopped
	var (
		snap    *checkpoint.Snapshot
		snapErr error
	)
	if !terminal {
		snap, snapErr = r.snapshot(o.now())
		if snapErr == nil {
			r.version++
			snap.Version = r.version
		}
	}
	o.mu.Unlock()
	if snapErr != nil {
		metrics.RecordCheckpoint("save", snapErr)
		o.logger.Error("Failed to encode checkpoint, keeping the previous one",
			zap.String("run_id", r.id),
			zap.Error(snapErr),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	if terminal {
		err := o.store.Delete(ctx, r.id)
		metrics.RecordCheckpoint("delete", err)
		if err != nil {
			o.logger.Warn("Failed to delete checkpoint", zap.String("run_id", r.id), zap.Error(err))
		}
		return
	}
	err := o.store.Save(ctx, snap)
	if errors.Is(err, checkpoint.ErrStale) {
		o.logger.Debug("Skipped stale checkpoint", zap.String("run_id", r.id), zap.Int64("version", snap.Version))
		return
	}
	metrics.RecordCheckpoint("save", err)
	if err != nil {
		o.logger.Warn("Failed to save checkpoint", zap.String("run_id", r.id), zap.Error(err))
	}
}
