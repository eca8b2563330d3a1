package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/actions"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/compliance"
)

var (
	// ErrNotFound is returned by Load for unknown runs
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStale is returned by Save when a newer version is already stored
	ErrStale = errors.New("checkpoint version is stale")
)

// Step is the persisted form of one step record
type Step struct {
	Index       int                    `json:"index"`
	Action      actions.Envelope       `json:"action"`
	Status      string                 `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Retries     int                    `json:"retries"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	SkipReason  string                 `json:"skip_reason,omitempty"`
	ApprovalID  string                 `json:"approval_id,omitempty"`
}

// Snapshot is everything needed to resume an in-flight run
type Snapshot struct {
	RunID         string            `json:"run_id"`
	TaskID        string            `json:"task_id"`
	Description   string            `json:"description,omitempty"`
	Priority      string            `json:"priority,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	TaskCreatedAt time.Time         `json:"task_created_at"`

	State       string                      `json:"state"`
	PauseReason string                      `json:"pause_reason,omitempty"`
	CurrentStep int                         `json:"current_step"`
	Steps       []Step                      `json:"steps"`
	Approval    *compliance.ApprovalRequest `json:"approval,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	// Version increases with every save of the same run
	Version int64 `json:"version"`
}

// Store persists snapshots of in-flight runs
type Store interface {
	// Save writes s unless a snapshot with an equal or higher version is
	// already stored, in which case it returns ErrStale.
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, runID string) (*Snapshot, error)
	List(ctx context.Context) ([]*Snapshot, error)
	Delete(ctx context.Context, runID string) error
}
