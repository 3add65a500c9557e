package health

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// stubChecker returns a fixed status. A non-zero delay blocks without
// honoring ctx, which exercises the manager's timeout path.
type stubChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	delay    time.Duration
	status   CheckStatus
	calls    atomic.Int32
}

func (s *stubChecker) Name() string           { return s.name }
func (s *stubChecker) IsCritical() bool       { return s.critical }
func (s *stubChecker) Timeout() time.Duration { return s.timeout }

func (s *stubChecker) Check(ctx context.Context) CheckResult {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return CheckResult{Status: s.status, Message: "stub"}
}

func newTestManager(t *testing.T, checkers ...Checker) *Manager {
	t.Helper()
	m := NewManager(time.Minute, time.Second, zaptest.NewLogger(t))
	for _, c := range checkers {
		m.Register(c)
	}
	return m
}

func TestManager_NoCheckersUnknown(t *testing.T) {
	m := newTestManager(t)

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusUnknown {
		t.Errorf("Expected unknown status, got %s", overall.Status)
	}
	if overall.Ready {
		t.Error("Expected not ready with no checkers")
	}
	if overall.Live {
		t.Error("Expected not live with no checkers")
	}
}

func TestManager_AllHealthy(t *testing.T) {
	m := newTestManager(t,
		&stubChecker{name: "database", critical: true, status: StatusHealthy},
		&stubChecker{name: "redis", status: StatusHealthy},
	)

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Overall.Status != StatusHealthy {
		t.Fatalf("Expected healthy, got %s", detailed.Overall.Status)
	}
	if !detailed.Overall.Ready || !detailed.Overall.Live {
		t.Error("Expected ready and live")
	}
	if detailed.Summary.Total != 2 || detailed.Summary.Healthy != 2 {
		t.Errorf("Unexpected summary: %+v", detailed.Summary)
	}
	if detailed.Summary.Critical != 1 || detailed.Summary.NonCritical != 1 {
		t.Errorf("Expected 1 critical and 1 non-critical, got %+v", detailed.Summary)
	}

	dbResult, ok := detailed.Components["database"]
	if !ok {
		t.Fatal("Expected a database component result")
	}
	if dbResult.Component != "database" || !dbResult.Critical {
		t.Errorf("Manager should stamp component and critical: %+v", dbResult)
	}
	if dbResult.Timestamp.IsZero() {
		t.Error("Manager should stamp the result timestamp")
	}
}

func TestManager_CriticalFailureFailsReadiness(t *testing.T) {
	m := newTestManager(t,
		&stubChecker{name: "database", critical: true, status: StatusUnhealthy},
		&stubChecker{name: "redis", status: StatusHealthy},
	)

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusUnhealthy {
		t.Fatalf("Expected unhealthy, got %s", overall.Status)
	}
	if overall.Ready {
		t.Error("Critical failure should fail readiness")
	}
	if !overall.Live {
		t.Error("Critical failure should not fail liveness")
	}
	if !strings.Contains(overall.Message, "critical") {
		t.Errorf("Expected critical failure message, got %q", overall.Message)
	}
}

func TestManager_NonCriticalFailureDegrades(t *testing.T) {
	m := newTestManager(t,
		&stubChecker{name: "database", critical: true, status: StatusHealthy},
		&stubChecker{name: "redis", status: StatusUnhealthy},
	)

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusDegraded {
		t.Fatalf("Expected degraded, got %s", overall.Status)
	}
	if !overall.Ready {
		t.Error("Non-critical failure should keep readiness")
	}
	if !overall.Degraded {
		t.Error("Expected degraded flag set")
	}
}

func TestManager_DegradedComponent(t *testing.T) {
	m := newTestManager(t,
		&stubChecker{name: "database", critical: true, status: StatusDegraded},
	)

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusDegraded {
		t.Fatalf("Expected degraded, got %s", overall.Status)
	}
	if !overall.Ready {
		t.Error("Degraded critical component should keep readiness")
	}
}

func TestManager_CheckTimeout(t *testing.T) {
	slow := &stubChecker{
		name:    "slow",
		timeout: 30 * time.Millisecond,
		delay:   2 * time.Second,
		status:  StatusHealthy,
	}
	m := newTestManager(t, slow)

	results := m.RunChecks(context.Background())
	result, ok := results["slow"]
	if !ok {
		t.Fatal("Expected a result for the slow checker")
	}
	if result.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy on timeout, got %s", result.Status)
	}
	if !strings.Contains(result.Message, "timed out") {
		t.Errorf("Expected timeout message, got %q", result.Message)
	}
	if result.Duration < 30*time.Millisecond {
		t.Errorf("Duration should cover the timeout, got %v", result.Duration)
	}
	if result.Duration > time.Second {
		t.Errorf("Sweep should not wait for the stuck checker, took %v", result.Duration)
	}
}

func TestManager_ServesCachedResults(t *testing.T) {
	db := &stubChecker{name: "database", critical: true, status: StatusHealthy}
	m := newTestManager(t, db)

	m.RunChecks(context.Background())
	if got := db.calls.Load(); got != 1 {
		t.Fatalf("Expected 1 probe after RunChecks, got %d", got)
	}

	// Reads answer from the cache without probing again.
	for i := 0; i < 3; i++ {
		overall := m.GetOverallHealth(context.Background())
		if overall.Status != StatusHealthy {
			t.Fatalf("Expected healthy, got %s", overall.Status)
		}
	}
	if got := db.calls.Load(); got != 1 {
		t.Errorf("Cached reads should not probe, got %d calls", got)
	}

	cached := m.CachedDetailedHealth()
	if cached.Summary.Total != 1 {
		t.Errorf("Expected cached summary of 1 component, got %+v", cached.Summary)
	}
	if got := db.calls.Load(); got != 1 {
		t.Errorf("CachedDetailedHealth should not probe, got %d calls", got)
	}
}

func TestManager_EmptyCacheProbesInline(t *testing.T) {
	db := &stubChecker{name: "database", critical: true, status: StatusHealthy}
	m := newTestManager(t, db)

	// No Start, no prior sweep: the read itself must probe once.
	if !m.IsReady(context.Background()) {
		t.Error("Expected ready")
	}
	if got := db.calls.Load(); got != 1 {
		t.Errorf("Expected exactly 1 inline probe, got %d", got)
	}
}

func TestManager_BackgroundRefresh(t *testing.T) {
	db := &stubChecker{name: "database", critical: true, status: StatusHealthy}
	m := NewManager(20*time.Millisecond, time.Second, zaptest.NewLogger(t))
	m.Register(db)

	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for db.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Background loop did not refresh, %d calls", db.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(m.GetLastResults()) != 1 {
		t.Error("Expected cached result from background loop")
	}
}

func TestManager_RegisterReplacesAndClearsCache(t *testing.T) {
	m := newTestManager(t, &stubChecker{name: "database", status: StatusUnhealthy})
	m.RunChecks(context.Background())
	if m.GetLastResults()["database"].Status != StatusUnhealthy {
		t.Fatal("Expected cached unhealthy result")
	}

	m.Register(&stubChecker{name: "database", critical: true, status: StatusHealthy})
	if _, ok := m.GetLastResults()["database"]; ok {
		t.Error("Re-registering should clear the stale cached result")
	}

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusHealthy {
		t.Errorf("Expected the replacement checker to win, got %s", overall.Status)
	}
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m := newTestManager(t, &stubChecker{name: "database", status: StatusHealthy})
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
