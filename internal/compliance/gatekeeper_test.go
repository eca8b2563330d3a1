package compliance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/ratecontrol"
)

func TestAllowsPlainActions(t *testing.T) {
	g := New(Policy{}, zaptest.NewLogger(t))
	d := g.CheckAction(context.Background(), actions.Navigate{URL: "https://example.com"}, "run-1")
	assert.True(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
	assert.Nil(t, d.Approval)
	assert.Empty(t, d.BlockReason)
}

func TestApprovalRequiredKinds(t *testing.T) {
	g := New(Policy{}, zaptest.NewLogger(t))
	d := g.CheckAction(context.Background(), actions.SendMessage{Recipient: "jane", Body: "hello"}, "run-1", AtStep(3))

	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.False(t, d.Blocked())
	require.NotNil(t, d.Approval)
	assert.NotEmpty(t, d.Approval.ID)
	assert.Equal(t, "run-1", d.Approval.RunID)
	assert.Equal(t, 3, d.Approval.StepIndex)
	assert.Equal(t, actions.KindSendMessage, d.Approval.ActionKind)
	assert.Equal(t, ApprovalPending, d.Approval.Status)
	assert.Equal(t, actions.Preview{Target: "jane", Content: "hello"}, d.Approval.Preview)

	stored, ok := g.Approval(d.Approval.ID)
	require.True(t, ok)
	assert.Equal(t, ApprovalPending, stored.Status)
	assert.Len(t, g.PendingApprovals("run-1"), 1)
	assert.Empty(t, g.PendingApprovals("run-2"))
}

func TestConfiguredApprovalKinds(t *testing.T) {
	g := New(Policy{ApprovalRequired: []actions.Kind{actions.KindVisitProfile}}, zaptest.NewLogger(t))
	d := g.CheckAction(context.Background(), actions.VisitProfile{ProfileURL: "https://example.com/in/x"}, "run")
	assert.True(t, d.RequiresApproval)

	g.SetApprovalRequired(nil)
	d = g.CheckAction(context.Background(), actions.VisitProfile{ProfileURL: "https://example.com/in/x"}, "run")
	assert.True(t, d.Allowed)
}

func TestResolutionIsFirstWins(t *testing.T) {
	g := New(Policy{}, zaptest.NewLogger(t))
	d := g.CheckAction(context.Background(), actions.Follow{ProfileURL: "https://example.com/in/x"}, "run")
	id := d.Approval.ID

	assert.True(t, g.ApproveAction(id, "alice"))
	assert.False(t, g.ApproveAction(id, "alice"))
	assert.False(t, g.DenyAction(id, "bob", "no"))
	assert.False(t, g.ExpireAction(id, "timed out"))

	req, ok := g.Approval(id)
	require.True(t, ok)
	assert.Equal(t, ApprovalApproved, req.Status)
	assert.Equal(t, "alice", req.ResolvedBy)
	require.NotNil(t, req.ResolvedAt)
	assert.Empty(t, g.PendingApprovals(""))

	assert.False(t, g.ApproveAction("missing", "alice"))

	g.Forget(id)
	_, ok = g.Approval(id)
	assert.False(t, ok)
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	g := New(Policy{}, zaptest.NewLogger(t))
	d := g.CheckAction(context.Background(), actions.Follow{ProfileURL: "p"}, "run")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			switch i % 3 {
			case 0:
				ok = g.ApproveAction(d.Approval.ID, "a")
			case 1:
				ok = g.DenyAction(d.Approval.ID, "b", "r")
			default:
				ok = g.ExpireAction(d.Approval.ID, "timeout")
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDoNotContact(t *testing.T) {
	g := New(Policy{DoNotContact: []string{"https://www.Example.com/in/Jane/"}}, zaptest.NewLogger(t))

	for _, target := range []string{
		"https://example.com/in/jane",
		"http://www.example.com/in/jane/",
		"  EXAMPLE.com/in/jane ",
	} {
		d := g.CheckAction(context.Background(), actions.SendConnection{ProfileURL: target}, "run")
		assert.True(t, d.Blocked(), target)
		assert.Contains(t, d.BlockReason, "do-not-contact")
		assert.Nil(t, d.Approval)
	}

	d := g.CheckAction(context.Background(), actions.SendConnection{ProfileURL: "https://example.com/in/janet"}, "run")
	assert.True(t, d.RequiresApproval)

	g.RemoveSuppression("example.com/in/jane")
	assert.False(t, g.IsSuppressed("https://example.com/in/jane"))
	g.AddSuppression("example.com/in/janet")
	assert.True(t, g.IsSuppressed("https://www.example.com/in/janet/"))
	g.ReplaceSuppressions([]string{"other.com"})
	assert.False(t, g.IsSuppressed("example.com/in/janet"))
	assert.True(t, g.IsSuppressed("https://other.com"))
}

func TestRateLimitIsHardBlock(t *testing.T) {
	g := New(Policy{RateLimits: ratecontrol.Table{"click": {Max: 2, Window: time.Hour}}}, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.True(t, g.CheckAction(ctx, actions.Click{Selector: "#a"}, "run-1").Allowed)
	assert.True(t, g.CheckAction(ctx, actions.Click{Selector: "#a"}, "run-2").Allowed)

	d := g.CheckAction(ctx, actions.Click{Selector: "#a"}, "run-1")
	assert.True(t, d.Blocked())
	assert.False(t, d.RequiresApproval)
	assert.Equal(t, "rate limit exceeded for click (2 per 1h0m0s)", d.BlockReason)

	// other kinds in the same category are not affected by a kind key
	assert.True(t, g.CheckAction(ctx, actions.Scroll{DeltaY: 10}, "run-1").Allowed)
}

func TestResolvedApprovalKeepsRateSlot(t *testing.T) {
	g := New(Policy{RateLimits: ratecontrol.Table{"send_message": {Max: 2, Window: time.Hour}}}, zaptest.NewLogger(t))
	ctx := context.Background()
	msg := actions.SendMessage{Recipient: "jane", Body: "hello"}

	denied := g.CheckAction(ctx, msg, "run-1")
	require.True(t, denied.RequiresApproval)
	require.True(t, g.DenyAction(denied.Approval.ID, "alice", "no"))

	expired := g.CheckAction(ctx, msg, "run-1")
	require.True(t, expired.RequiresApproval)
	require.True(t, g.ExpireAction(expired.Approval.ID, "timed out"))

	d := g.CheckAction(ctx, msg, "run-1")
	assert.True(t, d.Blocked())
	assert.False(t, d.RequiresApproval)
	assert.Contains(t, d.BlockReason, "send_message")
}

func TestZeroLimitBlocksApprovalKinds(t *testing.T) {
	g := New(Policy{RateLimits: ratecontrol.Table{"outreach": {Max: 0}}}, zaptest.NewLogger(t))
	d := g.CheckAction(context.Background(), actions.SendMessage{Recipient: "x", Body: "y"}, "run")
	assert.True(t, d.Blocked())
	assert.Nil(t, d.Approval)
	assert.Empty(t, g.PendingApprovals(""))
}

func TestPolicyEngineLayer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rego"), []byte(`package autopilot.action

default decision := {"allow": true}

decision := {"allow": false, "reason": "no scraping"} {
    input.kind == "extract"
} else := {"allow": true, "require_approval": true, "reason": "screenshots need review"} {
    input.kind == "screenshot"
}
`), 0644))
	engine, err := policy.NewOPAEngine(&policy.Config{Enabled: true, Mode: policy.ModeEnforce, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	g := New(Policy{RateLimits: ratecontrol.Table{"read": {Max: 1, Window: time.Hour}}}, zaptest.NewLogger(t),
		WithPolicyEngine(engine, "test"))
	ctx := context.Background()

	d := g.CheckAction(ctx, actions.Extract{Selector: "h1"}, "run")
	assert.True(t, d.Blocked())
	assert.True(t, strings.HasPrefix(d.BlockReason, "blocked by policy"), d.BlockReason)

	// the policy block did not consume the read slot
	d = g.CheckAction(ctx, actions.Screenshot{}, "run")
	assert.True(t, d.RequiresApproval)
	require.NotNil(t, d.Approval)

	d = g.CheckAction(ctx, actions.Screenshot{}, "run")
	assert.True(t, d.Blocked())
}

func TestApplyPolicyFile(t *testing.T) {
	p, err := ParsePolicy([]byte(`
rate_limits:
  send_message:
    max: 1
    window: 24h
do_not_contact:
  - example.com/in/blocked
approval_required:
  - visit_profile
`))
	require.NoError(t, err)

	g := New(Policy{}, zaptest.NewLogger(t))
	g.Apply(p)
	assert.Equal(t, 1, g.Limits()["send_message"].Max)
	assert.True(t, g.IsSuppressed("https://example.com/in/blocked"))
	assert.True(t, g.CheckAction(context.Background(), actions.VisitProfile{ProfileURL: "x"}, "r").RequiresApproval)

	_, err = ParsePolicy([]byte("approval_required: [teleport]\n"))
	assert.Error(t, err)
}

func TestNormalizeTarget(t *testing.T) {
	assert.Equal(t, "example.com/a", NormalizeTarget(" HTTPS://WWW.example.com/a// "))
	assert.Equal(t, "", NormalizeTarget("   "))
	assert.Equal(t, "jane doe", NormalizeTarget("Jane Doe"))
}
