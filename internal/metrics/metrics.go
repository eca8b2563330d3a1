package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_runs_started_total",
			Help: "Total number of runs that left the queue and started executing",
		},
	)

	RunsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_runs_queued_total",
			Help: "Total number of tasks queued because concurrency was saturated",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_runs_completed_total",
			Help: "Total number of runs that reached STOPPED",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_run_duration_seconds",
			Help:    "Run duration from start to STOPPED",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopilot_active_runs",
			Help: "Runs currently RUNNING or PAUSED",
		},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopilot_queue_length",
			Help: "Tasks waiting for a free run slot",
		},
	)

	// Step metrics
	StepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_steps_total",
			Help: "Steps by final status",
		},
		[]string{"kind", "status"},
	)

	// Approval metrics
	ApprovalsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_approvals_requested_total",
			Help: "Approval requests raised",
		},
		[]string{"kind"},
	)

	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_approvals_resolved_total",
			Help: "Approval requests by resolution",
		},
		[]string{"resolution"},
	)

	ApprovalWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopilot_approval_wait_seconds",
			Help:    "Time between an approval request and its resolution",
			Buckets: []float64{1, 10, 30, 60, 120, 300, 600},
		},
	)

	// Compliance metrics
	ComplianceDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_compliance_decisions_total",
			Help: "Gatekeeper decisions by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Executor metrics
	ExecutorAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_executor_attempts_total",
			Help: "Adapter call attempts by result",
		},
		[]string{"kind", "result"},
	)

	ExecutorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_executor_duration_seconds",
			Help:    "Action execution duration including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	// Event bus metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_events_emitted_total",
			Help: "Run events by type",
		},
		[]string{"type"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "status"},
	)

	// Checkpoint metrics
	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_checkpoint_writes_total",
			Help: "Checkpoint store operations",
		},
		[]string{"op", "status"},
	)
)

// RecordRunCompleted records metrics for a run that reached STOPPED
func RecordRunCompleted(outcome string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(outcome).Inc()
	if durationSeconds > 0 {
		RunDuration.WithLabelValues(outcome).Observe(durationSeconds)
	}
}

// RecordApprovalResolved records how an approval request ended
func RecordApprovalResolved(resolution string, waitSeconds float64) {
	ApprovalsResolved.WithLabelValues(resolution).Inc()
	if waitSeconds > 0 {
		ApprovalWait.Observe(waitSeconds)
	}
}

// RecordExecution records one Executor.Execute call
func RecordExecution(kind, status string, durationSeconds float64) {
	ExecutorDuration.WithLabelValues(kind, status).Observe(durationSeconds)
}

// RecordCheckpoint records a checkpoint store operation
func RecordCheckpoint(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CheckpointWrites.WithLabelValues(op, status).Inc()
}
