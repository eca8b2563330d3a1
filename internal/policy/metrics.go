package policy

import (
	"crypto/sha1"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Policy evaluation metrics
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_evaluations_total",
			Help: "Total number of action policy evaluations",
		},
		[]string{"decision", "mode", "kind"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_errors_total",
			Help: "Total number of policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	// Dry-run comparison metrics
	policyDryRunDivergence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_dry_run_divergence_total",
			Help: "Cases where a dry-run decision would have blocked or gated the action",
		},
		[]string{"divergence_type"}, // "would_deny", "would_require_approval"
	)

	// Policy load metrics
	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
		[]string{"policy_path"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	policyVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_policy_version_info",
			Help: "Hash of the loaded policy set",
		},
		[]string{"policy_path", "version_hash"},
	)

	// Cache performance metrics
	policyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_cache_hits_total",
			Help: "Total number of policy cache hits",
		},
		[]string{"mode"},
	)

	policyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_cache_misses_total",
			Help: "Total number of policy cache misses",
		},
		[]string{"mode"},
	)

	policyDenyReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_policy_deny_reasons_total",
			Help: "Deny decisions by hashed reason",
		},
		[]string{"reason_hash", "mode"},
	)
)

// RecordEvaluation records a policy evaluation
func RecordEvaluation(decision, mode, kind string) {
	policyEvaluations.WithLabelValues(decision, mode, kind).Inc()
}

// RecordEvaluationDuration records time spent evaluating
func RecordEvaluationDuration(mode string, duration float64) {
	policyEvaluationDuration.WithLabelValues(mode).Observe(duration)
}

// RecordError records an evaluation error
func RecordError(errorType, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordDryRunDivergence records what dry-run mode suppressed
func RecordDryRunDivergence(divergenceType string) {
	policyDryRunDivergence.WithLabelValues(divergenceType).Inc()
}

// RecordPolicyLoad records a successful load
func RecordPolicyLoad(policyPath string, count int, timestamp float64) {
	policyLoadTime.WithLabelValues(policyPath).Set(timestamp)
	policyCount.WithLabelValues(policyPath).Set(float64(count))
}

// RecordPolicyVersion records the hash of the loaded policy set
func RecordPolicyVersion(policyPath, versionHash string) {
	policyVersion.Reset()
	policyVersion.WithLabelValues(policyPath, versionHash).Set(1)
}

func RecordCacheHit(mode string)  { policyCacheHits.WithLabelValues(mode).Inc() }
func RecordCacheMiss(mode string) { policyCacheMisses.WithLabelValues(mode).Inc() }

// RecordDenyReason records deny reasons without exploding label cardinality
func RecordDenyReason(reason, mode string) {
	policyDenyReasons.WithLabelValues(hashString(reason), mode).Inc()
}

func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}
