// Package health runs dependency checks on a background cadence and
// serves the probe endpoints from cached results, so frequent kubelet
// probes do not hammer the dependencies themselves.
package health

import (
	"context"
	"encoding/json"
	"time"
)

// CheckStatus classifies the outcome of a single probe.
type CheckStatus int

const (
	StatusUnknown CheckStatus = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form.
func (s CheckStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CheckResult is the outcome of one checker probe. The manager stamps
// Component, Critical, Duration and Timestamp; checkers fill the rest.
type CheckResult struct {
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	// Name identifies the component in results and logs.
	Name() string
	// Check runs the probe.
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure fails readiness.
	IsCritical() bool
	// Timeout bounds one probe. Zero means the manager default.
	Timeout() time.Duration
}

// OverallHealth summarizes the service for the probe endpoints. Live
// stays true on dependency failure: restarting the process will not
// bring Postgres back.
type OverallHealth struct {
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message"`
	Degraded  bool        `json:"degraded"`
	Ready     bool        `json:"ready"`
	Live      bool        `json:"live"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthSummary counts components by state.
type HealthSummary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unhealthy   int `json:"unhealthy"`
	Critical    int `json:"critical"`
	NonCritical int `json:"non_critical"`
}

// DetailedHealth is the full picture served by the detailed endpoint.
type DetailedHealth struct {
	Overall    OverallHealth          `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Summary    HealthSummary          `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}
