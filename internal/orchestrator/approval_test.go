package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// approvalAt waits for the n-th NEEDS_APPROVAL event of the run (1-based)
// and returns its approval id
func (h *harness) approvalAt(runID string, n int) string {
	h.t.Helper()
	var id string
	require.Eventually(h.t, func() bool {
		seen := 0
		for _, e := range h.bus.History(runID) {
			if e.Type != streaming.EventNeedsApproval {
				continue
			}
			if seen++; seen == n {
				id, _ = e.Data["approval_id"].(string)
				return true
			}
		}
		return false
	}, 5*time.Second, 2*time.Millisecond)
	h.waitState(runID, StatePaused)
	return id
}

func TestApproveResumesRun(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("ada"), nav("next"))

	approval := h.approvalAt(id, 1)
	require.NotEmpty(t, approval)
	v, _ := h.o.GetRun(id)
	assert.Equal(t, PauseApproval, v.PauseReason)
	assert.Equal(t, approval, v.Steps[0].ApprovalID)
	assert.Empty(t, h.browser.Calls())

	pending := h.o.GetPendingApprovals(id)
	require.Len(t, pending, 1)
	assert.Equal(t, approval, pending[0].ID)
	assert.Equal(t, actions.KindSendMessage, pending[0].ActionKind)
	assert.Equal(t, "ada", pending[0].Preview.Target)
	assert.Equal(t, "hello ada", pending[0].Preview.Content)

	needs := h.waitEvent(id, streaming.EventNeedsApproval)
	assert.Equal(t, 0, needs.StepIndex())
	assert.Equal(t, "send_message", needs.Data["kind"])
	assert.Equal(t, "ada", needs.Data["target"])
	assert.Contains(t, needs.Data, "expires_at")

	require.True(t, h.o.ApproveAction(id, approval, "reviewer"))
	assert.False(t, h.o.ApproveAction(id, approval, "reviewer"), "already resolved")
	assert.False(t, h.o.DenyAction(id, approval, "reviewer", "late"))

	v = h.wait(id)
	assert.Equal(t, OutcomeFinished, v.Outcome)
	assert.Equal(t, StepCompleted, v.Steps[0].Status)
	assert.Equal(t, []string{"ada", "https://site.test/next"}, h.browser.Calls())
	assert.Empty(t, h.o.GetPendingApprovals(id))
	require.Len(t, v.Approvals, 1)
	assert.Equal(t, compliance.ApprovalApproved, v.Approvals[0].Status)
	assert.Equal(t, "reviewer", v.Approvals[0].ResolvedBy)

	assert.Equal(t, []streaming.EventType{
		streaming.EventRunStarted,
		streaming.EventNeedsApproval,
		streaming.EventRunPaused,
		streaming.EventApprovalGranted,
		streaming.EventRunResumed,
		streaming.EventRunFinished,
	}, h.types(id))
}

func TestDenySkipsStep(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("bob"), nav("next"))

	approval := h.approvalAt(id, 1)
	require.True(t, h.o.DenyAction(id, approval, "reviewer", "not a fit"))

	v := h.wait(id)
	assert.Equal(t, StepSkipped, v.Steps[0].Status)
	assert.Equal(t, "approval denied: not a fit", v.Steps[0].SkipReason)
	assert.Equal(t, StepCompleted, v.Steps[1].Status)
	assert.Equal(t, []string{"https://site.test/next"}, h.browser.Calls())
	assert.Equal(t, []streaming.EventType{
		streaming.EventRunStarted,
		streaming.EventNeedsApproval,
		streaming.EventRunPaused,
		streaming.EventApprovalDenied,
		streaming.EventRunResumed,
		streaming.EventStepSkipped,
		streaming.EventRunFinished,
	}, h.types(id))

	denied := h.waitEvent(id, streaming.EventApprovalDenied)
	assert.Equal(t, "not a fit", denied.Data["reason"])
	assert.Equal(t, "reviewer", denied.Data["resolved_by"])
}

func TestDenyWithoutReason(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("bob"))
	require.True(t, h.o.DenyAction(id, h.approvalAt(id, 1), "reviewer", ""))

	v := h.wait(id)
	assert.Equal(t, "approval denied", v.Steps[0].SkipReason)
}

func TestApprovalTimeoutSkipsStep(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, compliance.Policy{})
	id := h.start(message("carol"), nav("next"))

	v := h.wait(id)
	assert.Equal(t, StepSkipped, v.Steps[0].Status)
	assert.Equal(t, "approval timed out after 50ms", v.Steps[0].SkipReason)
	assert.Equal(t, StepCompleted, v.Steps[1].Status)
	require.Len(t, v.Approvals, 1)
	assert.Equal(t, compliance.ApprovalExpired, v.Approvals[0].Status)
	assert.Equal(t, []streaming.EventType{
		streaming.EventRunStarted,
		streaming.EventNeedsApproval,
		streaming.EventRunPaused,
		streaming.EventApprovalTimeout,
		streaming.EventRunResumed,
		streaming.EventStepSkipped,
		streaming.EventRunFinished,
	}, h.types(id))
	assert.False(t, h.o.ApproveAction(id, v.Approvals[0].ID, "too-late"))
}

func TestStopDuringApprovalWait(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("dave"), nav("next"))
	approval := h.approvalAt(id, 1)

	require.True(t, h.o.Stop(id, false))
	v := h.wait(id)
	assert.Equal(t, OutcomeStopped, v.Outcome)
	assert.Equal(t, StepPending, v.Steps[0].Status)
	require.Len(t, v.Approvals, 1)
	assert.Equal(t, compliance.ApprovalExpired, v.Approvals[0].Status)
	assert.False(t, h.o.ApproveAction(id, approval, "reviewer"))
	assert.Empty(t, h.browser.Calls())
	assert.Equal(t, 1, h.count(id, streaming.EventStopped))
	assert.Zero(t, h.count(id, streaming.EventRunResumed))
}

func TestUserControlsDuringApprovalWait(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("erin"))
	approval := h.approvalAt(id, 1)

	assert.False(t, h.o.Resume(id), "an approval wait is only released by a resolution")
	assert.False(t, h.o.Pause(id))
	state, _ := h.o.GetRunState(id)
	assert.Equal(t, StatePaused, state)

	require.True(t, h.o.ApproveAction(id, approval, "reviewer"))
	assert.Equal(t, OutcomeFinished, h.wait(id).Outcome)
}

// hookedGate runs before ahead of every compliance check
type hookedGate struct {
	*compliance.Gatekeeper
	before func(a actions.Action, runID string)
}

func (g *hookedGate) CheckAction(ctx context.Context, a actions.Action, runID string, opts ...compliance.CheckOption) compliance.Decision {
	g.before(a, runID)
	return g.Gatekeeper.CheckAction(ctx, a, runID, opts...)
}

func TestUserPauseBeforeApprovalOutlivesIt(t *testing.T) {
	var (
		h      *harness
		paused atomic.Bool
	)
	h = newWrappedHarness(t, testConfig(), compliance.Policy{}, func(g *compliance.Gatekeeper) Gate {
		return &hookedGate{Gatekeeper: g, before: func(a actions.Action, runID string) {
			if a.Kind() == actions.KindSendMessage {
				paused.Store(h.o.Pause(runID))
			}
		}}
	})
	id := h.start(message("ada"), nav("after"))

	approval := h.approvalAt(id, 1)
	require.True(t, paused.Load(), "pause landed while the step was being checked")
	v, _ := h.o.GetRun(id)
	assert.Equal(t, PauseApproval, v.PauseReason)
	assert.False(t, h.o.Resume(id), "the approval wait is not released by Resume")

	require.True(t, h.o.ApproveAction(id, approval, "reviewer"))
	h.waitEvent(id, streaming.EventApprovalGranted)
	v, _ = h.o.GetRun(id)
	assert.Equal(t, StatePaused, v.State)
	assert.Equal(t, PauseUser, v.PauseReason)
	assert.Zero(t, h.count(id, streaming.EventRunResumed))
	assert.Never(t, func() bool { return len(h.browser.Calls()) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"the approved step waits for Resume")

	require.True(t, h.o.Resume(id))
	v = h.wait(id)
	assert.Equal(t, OutcomeFinished, v.Outcome)
	assert.Equal(t, []string{"ada", "https://site.test/after"}, h.browser.Calls())
	assert.Equal(t, []streaming.EventType{
		streaming.EventRunStarted,
		streaming.EventRunPaused,
		streaming.EventNeedsApproval,
		streaming.EventApprovalGranted,
		streaming.EventRunResumed,
		streaming.EventRunFinished,
	}, h.types(id))
}

func TestUserPauseBeforeDeniedApproval(t *testing.T) {
	var h *harness
	h = newWrappedHarness(t, testConfig(), compliance.Policy{}, func(g *compliance.Gatekeeper) Gate {
		return &hookedGate{Gatekeeper: g, before: func(a actions.Action, runID string) {
			if a.Kind() == actions.KindSendMessage {
				h.o.Pause(runID)
			}
		}}
	})
	id := h.start(message("bo"), nav("after"))

	require.True(t, h.o.DenyAction(id, h.approvalAt(id, 1), "reviewer", "no"))
	h.waitEvent(id, streaming.EventStepSkipped)
	v, _ := h.o.GetRun(id)
	assert.Equal(t, StatePaused, v.State)
	assert.Equal(t, PauseUser, v.PauseReason)
	assert.Never(t, func() bool { return len(h.browser.Calls()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)

	require.True(t, h.o.Resume(id))
	v = h.wait(id)
	assert.Equal(t, StepSkipped, v.Steps[0].Status)
	assert.Equal(t, []string{"https://site.test/after"}, h.browser.Calls())
}

func TestResolveWithUnknownIDs(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("frank"))
	approval := h.approvalAt(id, 1)
	other := h.start(nav("x"))
	h.wait(other)

	assert.False(t, h.o.ApproveAction("missing", approval, "reviewer"))
	assert.False(t, h.o.ApproveAction(id, "missing", "reviewer"))
	assert.False(t, h.o.ApproveAction(other, approval, "reviewer"), "approval belongs to another run")
	assert.Nil(t, h.o.GetPendingApprovals("missing"))
	assert.Len(t, h.o.GetPendingApprovals(id), 1)
	require.True(t, h.o.Stop(id, true))
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("gina"))
	approval := h.approvalAt(id, 1)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = h.o.ApproveAction(id, approval, "a")
			} else {
				ok = h.o.DenyAction(id, approval, "b", "no")
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	h.wait(id)
	granted := h.count(id, streaming.EventApprovalGranted)
	denied := h.count(id, streaming.EventApprovalDenied)
	assert.Equal(t, 1, granted+denied)
	assert.Equal(t, 1, h.count(id, streaming.EventRunResumed))
}

func TestApprovingSubscriberDoesNotDeadlock(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	h.bus.SubscribeType(streaming.EventNeedsApproval, func(e streaming.Event) {
		approval, _ := e.Data["approval_id"].(string)
		h.o.ApproveAction(e.RunID, approval, "auto")
	})
	id := h.start(message("hal"), message("ivy"), nav("end"))

	v := h.wait(id)
	assert.Equal(t, OutcomeFinished, v.Outcome)
	assert.Equal(t, Summary{Total: 3, Completed: 3}, v.Summary)
	assert.Equal(t, []string{"hal", "ivy", "https://site.test/end"}, h.browser.Calls())
	assert.Equal(t, 2, h.count(id, streaming.EventApprovalGranted))
	for _, a := range v.Approvals {
		assert.Equal(t, "auto", a.ResolvedBy)
	}
}

func TestSequentialApprovalsInOneRun(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{})
	id := h.start(message("jo"), message("kim"))

	require.True(t, h.o.DenyAction(id, h.approvalAt(id, 1), "reviewer", "skip jo"))
	require.True(t, h.o.ApproveAction(id, h.approvalAt(id, 2), "reviewer"))

	v := h.wait(id)
	assert.Equal(t, StepSkipped, v.Steps[0].Status)
	assert.Equal(t, StepCompleted, v.Steps[1].Status)
	assert.Equal(t, []string{"kim"}, h.browser.Calls())
	assert.Len(t, v.Approvals, 2)
}

func TestPolicyCanGateExtraKinds(t *testing.T) {
	h := newHarness(t, testConfig(), compliance.Policy{
		ApprovalRequired: []actions.Kind{actions.KindNavigate},
	})
	id := h.start(nav("gated"))
	approval := h.approvalAt(id, 1)
	assert.Empty(t, h.browser.Calls())

	require.True(t, h.o.ApproveAction(id, approval, "reviewer"))
	h.wait(id)
	assert.Equal(t, []string{"https://site.test/gated"}, h.browser.Calls())
}
