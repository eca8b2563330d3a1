package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
)

var (
	// ErrInvalidTask wraps every task validation failure returned by Start
	ErrInvalidTask = errors.New("invalid task")
	// ErrRunNotFound is returned by Wait for unknown run ids
	ErrRunNotFound = errors.New("run not found")
	// ErrShuttingDown is returned by Start after Shutdown
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// RunState is the lifecycle state of a run
type RunState string

const (
	StateIdle    RunState = "IDLE"
	StateRunning RunState = "RUNNING"
	StatePaused  RunState = "PAUSED"
	StateStopped RunState = "STOPPED"
)

var transitions = map[RunState][]RunState{
	StateIdle:    {StateRunning},
	StateRunning: {StatePaused, StateStopped},
	StatePaused:  {StateRunning, StateStopped},
}

// CanTransition reports whether from -> to is a valid edge
func CanTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the run counts against the concurrency limit
func (s RunState) Active() bool { return s == StateRunning || s == StatePaused }

// PauseReason tells a user pause apart from an approval wait
type PauseReason string

const (
	PauseNone     PauseReason = ""
	PauseUser     PauseReason = "user"
	PauseApproval PauseReason = "approval"
)

// StepState is the status of one step
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Outcome is how a stopped run ended
type Outcome string

const (
	OutcomeFinished Outcome = "finished"
	OutcomeFailed   Outcome = "failed"
	OutcomeStopped  Outcome = "stopped"
)

// Priority of a task. The queue is FIFO; priority is informational.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Task is an ordered list of actions submitted together
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Actions     []actions.Action  `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	Priority    Priority          `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the priority and every action
func (t Task) Validate() error {
	switch t.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, t.Priority)
	}
	for i, a := range t.Actions {
		if a == nil {
			return fmt.Errorf("%w: action %d is nil", ErrInvalidTask, i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: action %d: %v", ErrInvalidTask, i, err)
		}
	}
	return nil
}

// StepStatus is the execution record of one action within a run
type StepStatus struct {
	Index       int                    `json:"index"`
	Action      actions.Action         `json:"-"`
	Status      StepState              `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Retries     int                    `json:"retries"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	SkipReason  string                 `json:"skip_reason,omitempty"`
	ApprovalID  string                 `json:"approval_id,omitempty"`
}

// MarshalJSON renders the action as its envelope
func (s StepStatus) MarshalJSON() ([]byte, error) {
	type plain StepStatus
	out := struct {
		plain
		Action *actions.Envelope `json:"action,omitempty"`
	}{plain: plain(s)}
	if s.Action != nil {
		env, err := actions.Encode(s.Action)
		if err != nil {
			return nil, err
		}
		out.Action = &env
	}
	return json.Marshal(out)
}

// Summary counts steps by status
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

func summarize(steps []StepStatus) Summary {
	s := Summary{Total: len(steps)}
	for _, st := range steps {
		switch st.Status {
		case StepCompleted:
			s.Completed++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
	}
	return s
}

// RunView is a read-only copy of a run
type RunView struct {
	ID          string                       `json:"id"`
	Task        Task                         `json:"task"`
	State       RunState                     `json:"state"`
	PauseReason PauseReason                  `json:"pause_reason,omitempty"`
	Steps       []StepStatus                 `json:"steps"`
	CurrentStep int                          `json:"current_step"`
	CreatedAt   time.Time                    `json:"created_at"`
	StartedAt   *time.Time                   `json:"started_at,omitempty"`
	EndedAt     *time.Time                   `json:"ended_at,omitempty"`
	Approvals   []compliance.ApprovalRequest `json:"approvals,omitempty"`
	Outcome     Outcome                      `json:"outcome,omitempty"`
	Error       string                       `json:"error,omitempty"`
	Summary     Summary                      `json:"summary"`
}

// Config controls concurrency, approval waits and retention
type Config struct {
	MaxConcurrentRuns int
	ApprovalTimeout   time.Duration
	// RetainStopped is how long stopped runs stay queryable
	RetainStopped   time.Duration
	CleanupInterval time.Duration
	// StoreTimeout bounds each checkpoint write
	StoreTimeout time.Duration
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRuns: 3,
		ApprovalTimeout:   5 * time.Minute,
		RetainStopped:     time.Hour,
		CleanupInterval:   10 * time.Minute,
		StoreTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = def.ApprovalTimeout
	}
	if c.RetainStopped <= 0 {
		c.RetainStopped = def.RetainStopped
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	return c
}
