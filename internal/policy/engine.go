package policy

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// DecisionQuery is the rego query every policy set must define
const DecisionQuery = "data.autopilot.action.decision"

// Engine defines the policy evaluation interface
type Engine interface {
	Evaluate(ctx context.Context, input *ActionInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Mode returns the current enforcement mode (off|dry-run|enforce)
	Mode() Mode
}

// ActionInput is the document rules see as `input`
type ActionInput struct {
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`

	Kind     string `json:"kind"`
	Category string `json:"category"`
	Target   string `json:"target"`
	Content  string `json:"content,omitempty"`

	// Static table verdict, so rules can relax or tighten it
	RequiresApproval bool `json:"requires_approval"`

	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow           bool   `json:"allow"`
	RequireApproval bool   `json:"require_approval,omitempty"`
	Reason          string `json:"reason,omitempty"`

	// Audit
	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

// OPAEngine implements the Engine interface using OPA rego
type OPAEngine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
	enabled  bool

	cache *expirable.LRU[string, *Decision]
}

// NewOPAEngine creates a new OPA-based policy engine
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := config.CacheSize
	if size <= 0 {
		size = 1000
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   expirable.NewLRU[string, *Decision](size, nil, ttl),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all policy files from the configured
// directory. It can be called again to hot-reload; the decision cache is
// purged on success.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)

	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		// Use relative path as module name
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := calculatePolicyVersion(policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Purge()

	e.logger.Info("Policies loaded and compiled successfully",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", DecisionQuery),
		zap.String("version", version),
	)
	RecordPolicyLoad(e.config.Path, len(policies), float64(time.Now().Unix()))
	RecordPolicyVersion(e.config.Path, version)
	return nil
}

// Evaluate evaluates the policy against the given input
func (e *OPAEngine) Evaluate(ctx context.Context, input *ActionInput) (*Decision, error) {
	startTime := time.Now()
	mode := string(e.config.Mode)

	if input.Environment == "" {
		input.Environment = e.config.Environment
	}

	e.mu.RLock()
	compiled, version, enabled := e.compiled, e.version, e.enabled
	e.mu.RUnlock()

	// Default decision based on configuration
	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", enabled),
			"mode":           mode,
		},
	}

	if !enabled || compiled == nil {
		return defaultDecision, nil
	}

	key := cacheKey(input)
	if d, ok := e.cache.Get(key); ok {
		RecordCacheHit(mode)
		return d, nil
	}
	RecordCacheMiss(mode)

	inputMap, err := toMap(input)
	if err != nil {
		RecordError("input_conversion", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err), zap.String("kind", input.Kind))
		RecordError("policy_evaluation", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	decision = e.applyMode(decision, input)

	duration := time.Since(startTime)
	label := "allow"
	switch {
	case !decision.Allow:
		label = "deny"
		RecordDenyReason(decision.Reason, mode)
	case decision.RequireApproval:
		label = "require_approval"
	}
	RecordEvaluation(label, mode, input.Kind)
	RecordEvaluationDuration(mode, duration.Seconds())

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.Bool("require_approval", decision.RequireApproval),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", duration),
		zap.String("run_id", input.RunID),
		zap.String("kind", input.Kind),
	)

	e.cache.Add(key, decision)
	return decision, nil
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// Version returns the hash of the loaded policy set
func (e *OPAEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// applyMode turns a dry-run decision into an allow while logging what
// would have happened.
func (e *OPAEngine) applyMode(decision *Decision, input *ActionInput) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["mode"] = string(e.config.Mode)

	if e.config.Mode != ModeDryRun {
		return decision
	}

	original := *decision
	decision.Allow = true
	decision.RequireApproval = false
	switch {
	case !original.Allow:
		decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original.Reason)
		RecordDryRunDivergence("would_deny")
	case original.RequireApproval:
		decision.Reason = fmt.Sprintf("DRY-RUN: would have required approval - %s", original.Reason)
		RecordDryRunDivergence("would_require_approval")
	default:
		decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", original.Reason)
	}

	e.logger.Info("Dry-run policy evaluation",
		zap.Bool("would_allow", original.Allow),
		zap.Bool("would_require_approval", original.RequireApproval),
		zap.String("original_reason", original.Reason),
		zap.String("run_id", input.RunID),
		zap.String("kind", input.Kind),
	)
	return decision
}

func toMap(input *ActionInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults parses OPA evaluation results into a Decision
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{
		Allow:  false, // Default deny
		Reason: "no matching policy rules",
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
		if requireApproval, ok := valueMap["require_approval"].(bool); ok {
			decision.RequireApproval = requireApproval
		}
	} else if allow, ok := value.(bool); ok {
		// Simple boolean result
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// cacheKey ignores run, step and time: rules are expected to decide on the
// action itself.
func cacheKey(input *ActionInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input.Content))
	return fmt.Sprintf("%s|%s|%s|%t|%s|%x",
		input.Environment, input.Kind, input.Category, input.RequiresApproval,
		strings.ToLower(input.Target), h.Sum64(),
	)
}

// calculatePolicyVersion creates a version hash from policy content for tracking
func calculatePolicyVersion(policies map[string]string) string {
	h := md5.New()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	// first 8 hex chars
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}
