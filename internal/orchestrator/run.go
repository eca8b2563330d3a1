package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/control"
)

// encodeAction turns step actions into their checkpoint envelopes
var encodeAction = actions.Encode

// run is guarded by Orchestrator.mu except for the immutable id, task and
// step actions.
type run struct {
	id   string
	task Task

	state       RunState
	pauseReason PauseReason
	// userPaused records a user pause taken over by an approval wait
	userPaused bool
	// holdOnStart makes a restored run that waited for capacity start PAUSED
	holdOnStart bool
	steps       []StepStatus
	current     int

	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time

	ctrl   *control.Handler
	ctx    context.Context
	cancel context.CancelFunc

	approvals map[string]*compliance.ApprovalRequest
	pending   string
	// waiter carries the resolution of the pending approval to the loop
	waiter chan compliance.ApprovalStatus

	outcome        Outcome
	err            string
	lastFailedKind actions.Kind

	looping bool
	done    chan struct{}
	removed bool

	persistMu sync.Mutex
	version   int64
}

func newRun(id string, task Task, ctrl *control.Handler, now time.Time) *run {
	steps := make([]StepStatus, len(task.Actions))
	for i, a := range task.Actions {
		steps[i] = StepStatus{Index: i, Action: a, Status: StepPending}
	}
	return &run{
		id:        id,
		task:      task,
		state:     StateIdle,
		steps:     steps,
		createdAt: now,
		ctrl:      ctrl,
		approvals: make(map[string]*compliance.ApprovalRequest),
		waiter:    make(chan compliance.ApprovalStatus, 1),
		done:      make(chan struct{}),
	}
}

// transition applies to when the edge is valid
func (r *run) transition(to RunState) bool {
	if !CanTransition(r.state, to) {
		return false
	}
	r.state = to
	if to != StatePaused {
		r.pauseReason = PauseNone
	}
	return true
}

func (r *run) view() RunView {
	steps := make([]StepStatus, len(r.steps))
	copy(steps, r.steps)
	for i := range steps {
		if steps[i].Result != nil {
			res := make(map[string]interface{}, len(steps[i].Result))
			for k, v := range steps[i].Result {
				res[k] = v
			}
			steps[i].Result = res
		}
	}
	task := r.task
	task.Actions = append([]actions.Action(nil), r.task.Actions...)
	return RunView{
		ID:          r.id,
		Task:        task,
		State:       r.state,
		PauseReason: r.pauseReason,
		Steps:       steps,
		CurrentStep: r.current,
		CreatedAt:   r.createdAt,
		StartedAt:   r.startedAt,
		EndedAt:     r.endedAt,
		Approvals:   r.approvalList(false),
		Outcome:     r.outcome,
		Error:       r.err,
		Summary:     summarize(r.steps),
	}
}

func (r *run) approvalList(pendingOnly bool) []compliance.ApprovalRequest {
	out := make([]compliance.ApprovalRequest, 0, len(r.approvals))
	for _, req := range r.approvals {
		if pendingOnly && req.Status != compliance.ApprovalPending {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *run) snapshot(now time.Time) (*checkpoint.Snapshot, error) {
	snap := &checkpoint.Snapshot{
		RunID:         r.id,
		TaskID:        r.task.ID,
		Description:   r.task.Description,
		Priority:      string(r.task.Priority),
		Metadata:      r.task.Metadata,
		TaskCreatedAt: r.task.CreatedAt,
		State:         string(r.state),
		PauseReason:   string(r.pauseReason),
		CurrentStep:   r.current,
		Steps:         make([]checkpoint.Step, len(r.steps)),
		CreatedAt:     r.createdAt,
		StartedAt:     r.startedAt,
		UpdatedAt:     now,
		Version:       r.version,
	}
	for i, st := range r.steps {
		env, err := encodeAction(st.Action)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		snap.Steps[i] = checkpoint.Step{
			Index:       st.Index,
			Action:      env,
			Status:      string(st.Status),
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
			Retries:     st.Retries,
			Error:       st.Error,
			Result:      st.Result,
			SkipReason:  st.SkipReason,
			ApprovalID:  st.ApprovalID,
		}
	}
	if r.pending != "" {
		if req, ok := r.approvals[r.pending]; ok {
			cp := *req
			snap.Approval = &cp
		}
	}
	return snap, nil
}
