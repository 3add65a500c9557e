package streaming

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/db"
)

func newRecorderFixture(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	client := db.NewClientWithDB(mockDB, zaptest.NewLogger(t))
	return NewRecorder(client, zaptest.NewLogger(t)), mock
}

func TestRecorder_PersistsPublishedEvents(t *testing.T) {
	rec, mock := newRecorderFixture(t)
	agentID := uuid.New()
	scope := AgentScope(agentID)

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(
			sqlmock.AnyArg(), scope, TypeAgentSpawned, sqlmock.AnyArg(), sqlmock.AnyArg(),
			"Agent spawned", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := NewManager(16, zaptest.NewLogger(t))
	m.SetRecorder(rec)
	m.Publish(scope, Event{
		Type:    TypeAgentSpawned,
		AgentID: agentID.String(),
		Message: "Agent spawned",
		Payload: map[string]interface{}{"role": "researcher"},
	})

	// Close drains the queue, so the insert has happened by the time it
	// returns.
	rec.Close()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected event log insert: %v", err)
	}
}

func TestRecorder_WriteMapsGraphEvents(t *testing.T) {
	rec, mock := newRecorderFixture(t)
	defer rec.Close()
	graphID := uuid.New()

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(
			sqlmock.AnyArg(), GraphScope(graphID), TypeGraphCreated, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec.write(recordItem{
		scope: GraphScope(graphID),
		event: Event{
			Type:    TypeGraphCreated,
			GraphID: graphID.String(),
			Payload: map[string]interface{}{"total_nodes": 3},
			Seq:     7,
		},
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected event log insert: %v", err)
	}
}

func TestRecorder_EnqueueAfterClose(t *testing.T) {
	rec, mock := newRecorderFixture(t)
	rec.Close()

	// Must return immediately without queueing or panicking.
	rec.Enqueue("agent:gone", Event{Type: TypeAgentCompleted})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected no writes after close: %v", err)
	}
}
