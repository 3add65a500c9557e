package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/workflow"
)

func newOpsServer(t *testing.T) (*httptest.Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	logger := zaptest.NewLogger(t)
	client := db.NewClientWithDB(mockDB, logger)
	handler := NewOpsHandler(
		hierarchy.NewService(client, 10, logger),
		workflow.NewService(client, logger),
		client,
		logger,
	)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mock
}

func agentColumns() []string {
	return []string{
		"id", "role", "task", "status", "control_state", "depth_level", "parent_id",
		"tokens_used", "execution_duration_ms", "result", "error", "model_hint",
		"workspace_path", "workspace_tag", "metadata",
		"created_at", "updated_at", "started_at", "completed_at",
	}
}

func agentRow(rows *sqlmock.Rows, id uuid.UUID, role string, parentID interface{}, depth int) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id.String(), role, "task for "+role, "executing", "running", depth, parentID,
		0, int64(0), nil, nil, nil,
		nil, nil, nil,
		now, now, nil, nil,
	)
}

func graphColumns() []string {
	return []string{
		"id", "name", "description", "template_id", "parent_agent_id",
		"status", "validation_status", "validation_errors",
		"total_nodes", "total_edges", "estimated_budget", "complexity_rating",
		"created_at", "updated_at", "validated_at", "completed_at",
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return body
}

func TestAgentTree_NestsChildren(t *testing.T) {
	srv, mock := newOpsServer(t)

	root := uuid.New()
	child := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id").
		WithArgs(root).
		WillReturnRows(agentRow(sqlmock.NewRows(agentColumns()), root, "coordinator", nil, 0))
	mock.ExpectQuery("WITH RECURSIVE down").
		WithArgs(root, 11).
		WillReturnRows(agentRow(sqlmock.NewRows(agentColumns()), child, "researcher", root.String(), 1))

	resp, err := http.Get(srv.URL + "/ops/agents/" + root.String() + "/tree")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	agent, ok := body["agent"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected agent object, got %T", body["agent"])
	}
	if agent["id"] != root.String() {
		t.Errorf("Expected root id %s, got %v", root, agent["id"])
	}
	children, ok := body["children"].([]interface{})
	if !ok || len(children) != 1 {
		t.Fatalf("Expected one child, got %v", body["children"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestAgentTree_UnknownAgent(t *testing.T) {
	srv, mock := newOpsServer(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(agentColumns()))

	resp, err := http.Get(srv.URL + "/ops/agents/" + id.String() + "/tree")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestAgentTree_InvalidID(t *testing.T) {
	srv, mock := newOpsServer(t)

	resp, err := http.Get(srv.URL + "/ops/agents/not-a-uuid/tree")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}

	// Rejected before touching the store
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected database access: %v", err)
	}
}

func TestWorkflowProgress_CountsByStatus(t *testing.T) {
	srv, mock := newOpsServer(t)

	graphID := uuid.New()
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM workflow_graphs WHERE id").
		WithArgs(graphID).
		WillReturnRows(sqlmock.NewRows(graphColumns()).AddRow(
			graphID.String(), "research-pipeline", nil, nil, nil,
			"executing", "valid", nil,
			3, 2, 300000, 2.0,
			now, now, now, nil,
		))
	mock.ExpectQuery("SELECT execution_status, COUNT").
		WithArgs(graphID).
		WillReturnRows(sqlmock.NewRows([]string{"execution_status", "count"}).
			AddRow("completed", 2).
			AddRow("executing", 1))

	resp, err := http.Get(srv.URL + "/ops/workflows/" + graphID.String() + "/progress")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["status"] != "executing" {
		t.Errorf("Expected status executing, got %v", body["status"])
	}
	if body["total_nodes"] != float64(3) {
		t.Errorf("Expected 3 total nodes, got %v", body["total_nodes"])
	}
	counts, ok := body["counts"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected counts map, got %T", body["counts"])
	}
	if counts["completed"] != float64(2) {
		t.Errorf("Expected 2 completed, got %v", counts["completed"])
	}
	if body["terminal_nodes"] != float64(2) {
		t.Errorf("Expected 2 terminal nodes, got %v", body["terminal_nodes"])
	}
}

func TestWorkflowProgress_UnknownGraph(t *testing.T) {
	srv, mock := newOpsServer(t)

	graphID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM workflow_graphs WHERE id").
		WithArgs(graphID).
		WillReturnRows(sqlmock.NewRows(graphColumns()))

	resp, err := http.Get(srv.URL + "/ops/workflows/" + graphID.String() + "/progress")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestAgentTimeline_ReadsEventLog(t *testing.T) {
	srv, mock := newOpsServer(t)

	agentID := uuid.New()
	scope := "agent:" + agentID.String()
	now := time.Now()

	eventColumns := []string{
		"id", "scope", "type", "agent_id", "graph_id",
		"message", "payload", "seq", "timestamp", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM event_logs").
		WithArgs(scope, sqlmock.AnyArg(), 200).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(uuid.New().String(), scope, "AGENT_SPAWNED", agentID.String(), nil, "Agent spawned", nil, 1, now, now).
			AddRow(uuid.New().String(), scope, "AGENT_COMPLETED", agentID.String(), nil, "Agent completed", nil, 2, now.Add(time.Second), now))

	resp, err := http.Get(srv.URL + "/ops/agents/" + agentID.String() + "/timeline")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["scope"] != scope {
		t.Errorf("Expected scope %s, got %v", scope, body["scope"])
	}
	if body["count"] != float64(2) {
		t.Errorf("Expected 2 events, got %v", body["count"])
	}
	events, ok := body["events"].([]interface{})
	if !ok || len(events) != 2 {
		t.Fatalf("Expected 2 event entries, got %v", body["events"])
	}
	first := events[0].(map[string]interface{})
	if first["type"] != "AGENT_SPAWNED" {
		t.Errorf("Expected AGENT_SPAWNED first, got %v", first["type"])
	}
}

func TestWorkflowTimeline_PassesQueryParams(t *testing.T) {
	srv, mock := newOpsServer(t)

	graphID := uuid.New()
	scope := "graph:" + graphID.String()
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	eventColumns := []string{
		"id", "scope", "type", "agent_id", "graph_id",
		"message", "payload", "seq", "timestamp", "created_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM event_logs").
		WithArgs(scope, since, 50).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	url := fmt.Sprintf("%s/ops/workflows/%s/timeline?since=%s&limit=50",
		srv.URL, graphID, since.Format(time.RFC3339))
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestTimeline_RejectsBadParams(t *testing.T) {
	srv, mock := newOpsServer(t)

	id := uuid.New()
	for _, query := range []string{"?since=yesterday", "?limit=-1", "?limit=abc"} {
		resp, err := http.Get(srv.URL + "/ops/agents/" + id.String() + "/timeline" + query)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected 400 for %q, got %d", query, resp.StatusCode)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected database access: %v", err)
	}
}
