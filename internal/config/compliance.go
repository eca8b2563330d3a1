package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
)

// PolicyApplier receives every accepted compliance policy
type PolicyApplier interface {
	Apply(p compliance.Policy)
}

// CompliancePolicyManager keeps a gatekeeper in sync with the compliance
// policy file. Kinds listed in the service config under
// compliance.approval_required are merged into every version of the file.
type CompliancePolicyManager struct {
	cm     *ConfigManager
	file   string
	extra  []actions.Kind
	target PolicyApplier
	logger *zap.Logger

	mu      sync.RWMutex
	current compliance.Policy
	loaded  bool
}

// NewCompliancePolicyManager binds the policy file at path to target. The
// file must live in the directory watched by cm.
func NewCompliancePolicyManager(cm *ConfigManager, path string, extra []string, target PolicyApplier, logger *zap.Logger) (*CompliancePolicyManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kinds := make([]actions.Kind, 0, len(extra))
	for _, k := range extra {
		kind := actions.Kind(k)
		if !actions.IsKnown(kind) {
			return nil, fmt.Errorf("unknown action kind %q in compliance.approval_required", k)
		}
		kinds = append(kinds, kind)
	}
	return &CompliancePolicyManager{
		cm:     cm,
		file:   filepath.Base(path),
		extra:  kinds,
		target: target,
		logger: logger,
	}, nil
}

// Initialize registers the validator and handler. Call it before
// ConfigManager.Start so the initial load is applied as well.
func (m *CompliancePolicyManager) Initialize() {
	m.cm.RegisterValidator(m.file, func(data []byte) error {
		_, err := compliance.ParsePolicy(data)
		return err
	})
	m.cm.RegisterHandler(m.file, m.handleChange)
}

// Current returns the policy last applied
func (m *CompliancePolicyManager) Current() (compliance.Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.loaded
}

func (m *CompliancePolicyManager) handleChange(event ChangeEvent) error {
	p, err := compliance.ParsePolicy(event.Data)
	if err != nil {
		return err
	}
	p.ApprovalRequired = mergeKinds(p.ApprovalRequired, m.extra)

	m.mu.Lock()
	old := m.current
	m.current = p
	m.loaded = true
	m.mu.Unlock()

	m.target.Apply(p)
	m.logger.Info("Compliance policy applied",
		zap.String("file", event.File),
		zap.String("action", event.Action),
		zap.Int("rate_limits", len(p.RateLimits)),
		zap.Int("do_not_contact", len(p.DoNotContact)),
		zap.Int("approval_required", len(p.ApprovalRequired)),
	)
	if len(old.DoNotContact) != len(p.DoNotContact) {
		m.logger.Info("Do-not-contact list changed",
			zap.Int("old", len(old.DoNotContact)),
			zap.Int("new", len(p.DoNotContact)),
		)
	}
	return nil
}

func mergeKinds(a, b []actions.Kind) []actions.Kind {
	seen := make(map[actions.Kind]bool, len(a)+len(b))
	out := make([]actions.Kind, 0, len(a)+len(b))
	for _, list := range [][]actions.Kind{a, b} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
