package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
)

type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *recorder) handle(e ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) last() (ChangeEvent, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ChangeEvent{}, 0
	}
	return r.events[len(r.events)-1], len(r.events)
}

func newManager(t *testing.T) (*ConfigManager, string) {
	t.Helper()
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	cm.settle = time.Millisecond
	t.Cleanup(func() { _ = cm.Stop() })
	return cm, dir
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestConfigManagerInitialLoadAndReload(t *testing.T) {
	cm, dir := newManager(t)
	path := filepath.Join(dir, "policy.yaml")
	write(t, path, "do_not_contact: [a]\n")

	var rec recorder
	cm.RegisterHandler("policy.yaml", rec.handle)
	require.NoError(t, cm.Start(context.Background()))

	e, n := rec.last()
	require.Equal(t, 1, n)
	assert.Equal(t, "initial_load", e.Action)
	assert.Equal(t, "do_not_contact: [a]\n", string(e.Data))

	write(t, path, "do_not_contact: [a, b]\n")
	require.Eventually(t, func() bool {
		e, _ := rec.last()
		return string(e.Data) == "do_not_contact: [a, b]\n"
	}, 5*time.Second, 10*time.Millisecond)

	data, ok := cm.Current("policy.yaml")
	require.True(t, ok)
	assert.Equal(t, "do_not_contact: [a, b]\n", string(data))
}

func TestConfigManagerRejectedFileKeepsPrevious(t *testing.T) {
	cm, dir := newManager(t)
	path := filepath.Join(dir, "limits.yaml")
	write(t, path, "ok: true\n")

	var rec recorder
	cm.RegisterValidator("limits.yaml", func(data []byte) error {
		if string(data) != "ok: true\n" {
			return errors.New("rejected")
		}
		return nil
	})
	cm.RegisterHandler("limits.yaml", rec.handle)
	require.NoError(t, cm.Start(context.Background()))

	write(t, path, "ok: false\n")
	assert.Error(t, cm.ReloadConfig("limits.yaml"))
	_, n := rec.last()
	assert.Equal(t, 1, n)
	data, _ := cm.Current("limits.yaml")
	assert.Equal(t, "ok: true\n", string(data))
}

func TestConfigManagerInitialLoadFailsOnInvalidFile(t *testing.T) {
	cm, dir := newManager(t)
	write(t, filepath.Join(dir, "bad.yaml"), "x")
	cm.RegisterValidator("bad.yaml", func([]byte) error { return errors.New("nope") })
	assert.Error(t, cm.Start(context.Background()))
}

func TestConfigManagerPolicyHandlers(t *testing.T) {
	cm, dir := newManager(t)
	calls := make(chan struct{}, 16)
	cm.RegisterPolicyHandler(func() error {
		calls <- struct{}{}
		return nil
	})
	require.NoError(t, cm.Start(context.Background()))

	write(t, filepath.Join(dir, "rules.rego"), "package autopilot\n")
	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("policy handler was not called")
	}
}

func TestConfigManagerPolling(t *testing.T) {
	cm, dir := newManager(t)
	path := filepath.Join(dir, "policy.yaml")
	write(t, path, "a: 1\n")
	var rec recorder
	cm.RegisterHandler("policy.yaml", rec.handle)
	require.NoError(t, cm.Start(context.Background()))

	write(t, path, "a: 2\n")
	seen := map[string]time.Time{}
	cm.checkForChanges(seen)
	e, _ := rec.last()
	assert.Equal(t, "a: 2\n", string(e.Data))
	_, n := rec.last()

	// unchanged content is not re-applied
	cm.checkForChanges(map[string]time.Time{})
	_, again := rec.last()
	assert.Equal(t, n, again)
}

type applier struct {
	mu       sync.Mutex
	policies []compliance.Policy
}

func (a *applier) Apply(p compliance.Policy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policies = append(a.policies, p)
}

func (a *applier) latest() (compliance.Policy, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.policies) == 0 {
		return compliance.Policy{}, 0
	}
	return a.policies[len(a.policies)-1], len(a.policies)
}

func TestCompliancePolicyManager(t *testing.T) {
	cm, dir := newManager(t)
	path := filepath.Join(dir, "compliance.yaml")
	write(t, path, `
rate_limits:
  outreach: {max: 10, window: 24h}
do_not_contact: [linkedin.com/in/blocked]
approval_required: [visit_profile]
`)
	target := &applier{}
	pm, err := NewCompliancePolicyManager(cm, path, []string{"follow", "visit_profile"}, target, zaptest.NewLogger(t))
	require.NoError(t, err)
	pm.Initialize()
	require.NoError(t, cm.Start(context.Background()))

	p, n := target.latest()
	require.Equal(t, 1, n)
	assert.Equal(t, 10, p.RateLimits["outreach"].Max)
	assert.Equal(t, 24*time.Hour, p.RateLimits["outreach"].Window)
	assert.Equal(t, []string{"linkedin.com/in/blocked"}, p.DoNotContact)
	assert.Equal(t, []actions.Kind{actions.KindVisitProfile, actions.KindFollow}, p.ApprovalRequired)

	// an invalid edit is rejected and the last policy stays in force
	write(t, path, "approval_required: [teleport]\n")
	assert.Error(t, cm.ReloadConfig("compliance.yaml"))
	current, ok := pm.Current()
	require.True(t, ok)
	assert.Equal(t, []string{"linkedin.com/in/blocked"}, current.DoNotContact)
}

func TestCompliancePolicyManagerRejectsUnknownKinds(t *testing.T) {
	cm, dir := newManager(t)
	_, err := NewCompliancePolicyManager(cm, filepath.Join(dir, "c.yaml"), []string{"teleport"}, &applier{}, nil)
	assert.Error(t, err)
}
