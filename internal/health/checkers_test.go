package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/circuitbreaker"
	"github.com/droverhq/drover/internal/executor"
	"github.com/droverhq/drover/internal/workspace"
)

func TestDatabaseChecker_Healthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing()

	checker := NewDatabaseChecker(circuitbreaker.NewDatabaseWrapper(db, zaptest.NewLogger(t)))
	if checker.Name() != "database" {
		t.Errorf("Unexpected name %q", checker.Name())
	}
	if !checker.IsCritical() {
		t.Error("Database checker should be critical")
	}

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("Expected healthy, got %s: %s", result.Status, result.Message)
	}
	if _, ok := result.Details["open_connections"]; !ok {
		t.Error("Expected pool stats in details")
	}
	if _, ok := result.Details["latency_ms"]; !ok {
		t.Error("Expected latency in details")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestDatabaseChecker_PingFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	checker := NewDatabaseChecker(circuitbreaker.NewDatabaseWrapper(db, zaptest.NewLogger(t)))
	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("Expected unhealthy, got %s", result.Status)
	}
	if result.Error == "" {
		t.Error("Expected the ping error surfaced")
	}
}

func TestRedisChecker_Healthy(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	checker := NewRedisChecker(circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t)))
	if checker.IsCritical() {
		t.Error("Redis checker should not be critical")
	}

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("Expected healthy, got %s: %s", result.Status, result.Message)
	}
	if _, ok := result.Details["total_conns"]; !ok {
		t.Error("Expected pool stats in details")
	}
}

func TestRedisChecker_Unreachable(t *testing.T) {
	// Closed port so the ping fails immediately.
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
	defer client.Close()

	checker := NewRedisChecker(circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t)))
	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("Expected unhealthy, got %s", result.Status)
	}
	if result.Error == "" {
		t.Error("Expected the connection error surfaced")
	}
}

func TestExecutorChecker_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := executor.NewClient(executor.Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	checker := NewExecutorChecker(client)
	if checker.IsCritical() {
		t.Error("Executor checker should not be critical")
	}

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("Expected healthy, got %s: %s", result.Status, result.Message)
	}
	if _, ok := result.Details["latency_ms"]; !ok {
		t.Error("Expected latency in details")
	}
}

func TestExecutorChecker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := executor.NewClient(executor.Config{Endpoint: srv.URL, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	result := NewExecutorChecker(client).Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("Expected unhealthy, got %s", result.Status)
	}
}

func TestWorkspaceChecker(t *testing.T) {
	base := filepath.Join(t.TempDir(), "workspaces")
	manager, err := workspace.NewManager(base, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create workspace manager: %v", err)
	}

	checker := NewWorkspaceChecker(manager)
	if checker.IsCritical() {
		t.Error("Workspace checker should not be critical")
	}

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("Expected healthy, got %s: %s", result.Status, result.Message)
	}
	if result.Details["base"] != manager.Base() {
		t.Errorf("Expected base path in details, got %v", result.Details["base"])
	}

	// Removing the base makes the probe fail.
	if err := os.RemoveAll(base); err != nil {
		t.Fatalf("Failed to remove base: %v", err)
	}
	result = checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Fatalf("Expected unhealthy after base removal, got %s", result.Status)
	}
	if result.Error == "" {
		t.Error("Expected the probe error surfaced")
	}
}
