package circuitbreaker

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	// Test Ping
	mock.ExpectPing()
	err = wrapper.PingContext(ctx)
	if err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	// Test Query
	rows := sqlmock.NewRows([]string{"id", "status"}).
		AddRow("a1", "running").
		AddRow("a2", "completed")
	mock.ExpectQuery("SELECT (.+) FROM agents").WillReturnRows(rows)

	queryRows, err := wrapper.QueryContext(ctx, "SELECT id, status FROM agents")
	if err != nil {
		t.Errorf("QueryContext failed: %v", err)
	}
	defer queryRows.Close()

	// Test Exec
	mock.ExpectExec("UPDATE agents SET status").
		WithArgs("completed", "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := wrapper.ExecContext(ctx, "UPDATE agents SET status = $1 WHERE id = $2", "completed", "a1")
	if err != nil {
		t.Errorf("ExecContext failed: %v", err)
	}

	affected, _ := result.RowsAffected()
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_QueryRowContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "status"}).AddRow("a1", "running")
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id").
		WithArgs("a1").
		WillReturnRows(rows)

	row, err := wrapper.QueryRowContext(ctx, "SELECT id, status FROM agents WHERE id = $1", "a1")
	if err != nil {
		t.Fatalf("QueryRowContext failed: %v", err)
	}

	var id, status string
	if err := row.Scan(&id, &status); err != nil {
		t.Errorf("Row scan failed: %v", err)
	}
	if id != "a1" || status != "running" {
		t.Errorf("Expected id=a1, status=running, got id=%s, status=%s", id, status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	// Breaker opens after 5 consecutive failures
	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}

	for i := 0; i < 5; i++ {
		err := wrapper.PingContext(ctx)
		if err == nil {
			t.Error("Expected ping to fail")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	// Subsequent calls fail fast without touching the database
	err = wrapper.PingContext(ctx)
	if err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	row, err := wrapper.QueryRowContext(ctx, "SELECT id FROM agents WHERE id = $1", "a1")
	if err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}
	if row != nil {
		t.Error("Expected nil row when circuit breaker is open")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
