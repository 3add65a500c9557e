package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap/zaptest"
)

// newSQLiteClient gives the client a live database so transaction semantics
// (commit visibility, rollback, panic recovery) are exercised for real.
func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	// One connection, or each pooled conn would see its own empty :memory: db
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL)`); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}

	client := NewClientWithDB(sqlDB, zaptest.NewLogger(t))
	t.Cleanup(func() { client.Close() })
	return client
}

func countRows(t *testing.T, client *Client) int {
	t.Helper()
	var n int
	if err := client.GetDB().QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	return n
}

func TestWithTransaction_CommitPersists(t *testing.T) {
	client := newSQLiteClient(t)

	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	if n := countRows(t, client); n != 1 {
		t.Errorf("Expected 1 committed row, got %d", n)
	}
}

func TestWithTransaction_ErrorRollsBack(t *testing.T) {
	client := newSQLiteClient(t)

	wantErr := errors.New("boom")
	err := client.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected the closure error back, got %v", err)
	}

	if n := countRows(t, client); n != 0 {
		t.Errorf("Expected rollback to discard the insert, got %d rows", n)
	}
}

func TestWithTransaction_PanicRollsBack(t *testing.T) {
	client := newSQLiteClient(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected the panic to propagate")
			}
		}()
		client.WithTransaction(context.Background(), func(tx *sql.Tx) error {
			tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`)
			panic("mid-transaction panic")
		})
	}()

	if n := countRows(t, client); n != 0 {
		t.Errorf("Expected rollback after panic, got %d rows", n)
	}
}

func TestWithRetryableTransaction_RetriesConflicts(t *testing.T) {
	client := newSQLiteClient(t)

	attempts := 0
	err := client.WithRetryableTransaction(context.Background(), func(tx *sql.Tx) error {
		attempts++
		if attempts < 3 {
			return &pq.Error{Code: "40001"}
		}
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("Expected third attempt to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if n := countRows(t, client); n != 1 {
		t.Errorf("Expected the winning attempt committed, got %d rows", n)
	}
}

func TestWithRetryableTransaction_ExhaustsAttempts(t *testing.T) {
	client := newSQLiteClient(t)

	attempts := 0
	err := client.WithRetryableTransaction(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return &pq.Error{Code: "40P01"}
	})
	if !errors.Is(err, ErrStoreConflict) {
		t.Fatalf("Expected ErrStoreConflict after exhausting retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestWithRetryableTransaction_NonConflictFailsFast(t *testing.T) {
	client := newSQLiteClient(t)

	attempts := 0
	wantErr := errors.New("constraint violated")
	err := client.WithRetryableTransaction(context.Background(), func(tx *sql.Tx) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected the closure error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected no retries for a non-conflict error, got %d attempts", attempts)
	}
}

func TestErrorClassification(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, IsConflict, true},
		{"deadlock", &pq.Error{Code: "40P01"}, IsConflict, true},
		{"wrapped conflict", fmt.Errorf("tx failed: %w", &pq.Error{Code: "40001"}), IsConflict, true},
		{"store conflict sentinel", ErrStoreConflict, IsConflict, true},
		{"unique violation is not a conflict", &pq.Error{Code: "23505"}, IsConflict, false},
		{"plain error", errors.New("nope"), IsConflict, false},
		{"unique violation", &pq.Error{Code: "23505"}, IsUniqueViolation, true},
		{"fk violation", &pq.Error{Code: "23503"}, IsForeignKeyViolation, true},
		{"check violation", &pq.Error{Code: "23514"}, IsCheckViolation, true},
		{"fk is not unique", &pq.Error{Code: "23503"}, IsUniqueViolation, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.check(tc.err); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}
