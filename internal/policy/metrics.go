package policy

import (
	"crypto/sha1"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_policy_evaluations_total",
			Help: "Spawn policy evaluations by final decision",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating spawn policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_policy_errors_total",
			Help: "Policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_policy_cache_hits_total",
			Help: "Decision cache hits",
		},
		[]string{"mode"},
	)

	policyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_policy_cache_misses_total",
			Help: "Decision cache misses",
		},
		[]string{"mode"},
	)

	policyFilesLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_policy_files_loaded",
			Help: "Policy modules currently compiled",
		},
		[]string{"source"},
	)

	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_policy_load_timestamp_seconds",
			Help: "Timestamp of the last successful policy load",
		},
		[]string{"source"},
	)

	policyDenyReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_policy_deny_reasons_total",
			Help: "Raw policy denials by reason",
		},
		[]string{"reason_hash", "mode", "truncated_reason"},
	)
)

// RecordEvaluation records a policy evaluation result
func RecordEvaluation(decision, mode string) {
	policyEvaluations.WithLabelValues(decision, mode).Inc()
}

// RecordEvaluationDuration records the time spent evaluating policies
func RecordEvaluationDuration(mode string, seconds float64) {
	policyEvaluationDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordError records a policy evaluation error
func RecordError(errorType, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordCacheHit records a decision cache hit
func RecordCacheHit(mode string) {
	policyCacheHits.WithLabelValues(mode).Inc()
}

// RecordCacheMiss records a decision cache miss
func RecordCacheMiss(mode string) {
	policyCacheMisses.WithLabelValues(mode).Inc()
}

// RecordPolicyLoad records a successful policy load
func RecordPolicyLoad(source string, count int, timestamp float64) {
	policyFilesLoaded.WithLabelValues(source).Set(float64(count))
	policyLoadTime.WithLabelValues(source).Set(timestamp)
}

// RecordDenyReason records a denial reason with bounded label cardinality
func RecordDenyReason(reason, mode string) {
	policyDenyReasons.WithLabelValues(hashString(reason), mode, truncateString(reason, 50)).Inc()
}

// hashString creates a short stable hash for high-cardinality strings
func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

// truncateString truncates a string to a maximum length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
