package compliance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/ratecontrol"
)

// Policy is the hot-reloadable part of the gatekeeper configuration
type Policy struct {
	RateLimits       ratecontrol.Table
	DoNotContact     []string
	ApprovalRequired []actions.Kind
}

type policyFile struct {
	DoNotContact     []string `yaml:"do_not_contact"`
	ApprovalRequired []string `yaml:"approval_required"`
}

// ParsePolicy reads a compliance policy document:
//
//	rate_limits:
//	  outreach: {max: 50, window: 24h}
//	do_not_contact: [linkedin.com/in/someone]
//	approval_required: [visit_profile]
func ParsePolicy(data []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("failed to unmarshal compliance policy: %w", err)
	}
	limits, err := ratecontrol.ParseTable(data)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{RateLimits: limits, DoNotContact: f.DoNotContact}
	for _, k := range f.ApprovalRequired {
		kind := actions.Kind(k)
		if !actions.IsKnown(kind) {
			return Policy{}, fmt.Errorf("unknown action kind %q in approval_required", k)
		}
		p.ApprovalRequired = append(p.ApprovalRequired, kind)
	}
	return p, nil
}

// LoadPolicy reads a compliance policy file
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read compliance policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}
