package streaming

import (
	"encoding/json"
	"time"
)

// EventType discriminates runtime events
type EventType string

const (
	EventRunQueued        EventType = "RUN_QUEUED"
	EventRunStarted       EventType = "RUN_STARTED"
	EventStepSkipped      EventType = "STEP_SKIPPED"
	EventNeedsApproval    EventType = "NEEDS_APPROVAL"
	EventApprovalGranted  EventType = "APPROVAL_GRANTED"
	EventApprovalDenied   EventType = "APPROVAL_DENIED"
	EventApprovalTimeout  EventType = "APPROVAL_TIMEOUT"
	EventRunPaused        EventType = "RUN_PAUSED"
	EventRunResumed       EventType = "RUN_RESUMED"
	EventStopRequested    EventType = "STOP_REQUESTED"
	EventStopAcknowledged EventType = "STOP_ACKNOWLEDGED"
	EventStopped          EventType = "STOPPED"
	EventRunFinished      EventType = "RUN_FINISHED"
	EventRunFailed        EventType = "RUN_FAILED"
)

// Event is a runtime event for one run. Seq is assigned by the manager and
// increases by one per run starting at 1.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      EventType              `json:"type"`
	Step      *int                   `json:"step,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// StepIndex returns the step the event refers to, or -1
func (e Event) StepIndex() int {
	if e.Step == nil {
		return -1
	}
	return *e.Step
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// AtStep is a helper for building events that carry a step index
func AtStep(i int) *int { return &i }
