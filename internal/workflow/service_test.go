package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/droverhq/drover/internal/db"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	logger := zaptest.NewLogger(t)
	client := db.NewClientWithDB(sqlDB, logger)
	return NewService(client, logger), mock
}

func templateColumns() []string {
	return []string{
		"id", "name", "description", "category", "node_templates", "edge_patterns",
		"total_estimated_budget", "complexity_rating", "min_budget_required",
		"usage_count", "success_rate", "enabled", "created_by", "created_at", "updated_at",
	}
}

func templateRow(t *testing.T, tmpl *db.WorkflowTemplate) *sqlmock.Rows {
	t.Helper()
	nodesJSON, err := json.Marshal(tmpl.NodeTemplates)
	if err != nil {
		t.Fatalf("failed to marshal node templates: %v", err)
	}
	now := time.Now()
	return sqlmock.NewRows(templateColumns()).AddRow(
		tmpl.ID.String(), tmpl.Name, tmpl.Description, nil, nodesJSON, []byte(`[]`),
		tmpl.TotalEstimatedBudget, tmpl.ComplexityRating, tmpl.MinBudgetRequired,
		tmpl.UsageCount, nil, tmpl.Enabled, nil, now, now,
	)
}

func TestCreateTemplate_PersistsValid(t *testing.T) {
	svc, mock := newTestService(t)
	tmpl := validTemplate()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_templates")).
		WithArgs(sqlmock.AnyArg(), "linear-3", "", nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
			300000, 2.0, 30000, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.CreateTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	if tmpl.ID == uuid.Nil {
		t.Error("CreateTemplate should assign an ID")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateTemplate_RejectsInvalidWithoutWriting(t *testing.T) {
	svc, mock := newTestService(t)
	tmpl := validTemplate()
	tmpl.NodeTemplates[0].BudgetPercentage = 200

	err := svc.CreateTemplate(context.Background(), tmpl)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("invalid template must not touch the database: %v", err)
	}
}

func TestInstantiateTemplate_SplitsBudgetAndSubstitutes(t *testing.T) {
	svc, mock := newTestService(t)
	templateID := uuid.New()
	tmpl := validTemplate()
	tmpl.ID = templateID
	tmpl.Enabled = true

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_templates WHERE id = $1")).
		WithArgs(templateID).
		WillReturnRows(templateRow(t, tmpl))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_graphs")).
		WithArgs(sqlmock.AnyArg(), "quantum brief", "", templateID,
			"active", "pending", 3, 2, 100000, 2.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_nodes")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "n0", "researcher",
			"research quantum computing", 30000, "{}", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_nodes")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "n1", "writer",
			"draft quantum computing", 30000, `{"n0"}`, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_nodes")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "n2", "editor",
			"polish quantum computing", 40000, `{"n1"}`, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	graphID := uuid.New()
	n0, n1, n2 := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_graphs WHERE id = $1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(graphRow(graphID, "active", "pending", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_nodes")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(nodeRows(graphID,
			nodeSpec{id: n0, key: "n0", status: "pending", budget: 30000},
			nodeSpec{id: n1, key: "n1", status: "pending", deps: []string{"n0"}, budget: 30000},
			nodeSpec{id: n2, key: "n2", status: "pending", deps: []string{"n1"}, budget: 40000},
		))
	mock.ExpectExec(regexp.QuoteMeta("SET validation_status = 'validated'")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("usage_count = usage_count + 1")).
		WithArgs(templateID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	graph, err := svc.InstantiateTemplate(context.Background(), templateID, "quantum brief", "quantum computing", 100000)
	if err != nil {
		t.Fatalf("InstantiateTemplate failed: %v", err)
	}
	if graph.TotalNodes != 3 || graph.TotalEdges != 2 {
		t.Errorf("expected 3 nodes and 2 edges, got %d and %d", graph.TotalNodes, graph.TotalEdges)
	}
	if graph.ValidationStatus != db.ValidationValidated {
		t.Errorf("expected validated graph, got %s", graph.ValidationStatus)
	}
	if graph.EstimatedBudget == nil || *graph.EstimatedBudget != 100000 {
		t.Errorf("expected estimated budget 100000, got %v", graph.EstimatedBudget)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInstantiateTemplate_BelowMinimumBudget(t *testing.T) {
	svc, mock := newTestService(t)
	templateID := uuid.New()
	tmpl := validTemplate()
	tmpl.ID = templateID
	tmpl.Enabled = true

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_templates WHERE id = $1")).
		WithArgs(templateID).
		WillReturnRows(templateRow(t, tmpl))

	_, err := svc.InstantiateTemplate(context.Background(), templateID, "too-cheap", "task", 20000)
	if !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("expected ErrInsufficientBudget, got %v", err)
	}
}

func TestInstantiateTemplate_DisabledTemplate(t *testing.T) {
	svc, mock := newTestService(t)
	templateID := uuid.New()
	tmpl := validTemplate()
	tmpl.ID = templateID

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_templates WHERE id = $1")).
		WithArgs(templateID).
		WillReturnRows(templateRow(t, tmpl))

	_, err := svc.InstantiateTemplate(context.Background(), templateID, "g", "task", 100000)
	if !errors.Is(err, ErrTemplateDisabled) {
		t.Fatalf("expected ErrTemplateDisabled, got %v", err)
	}
}

func TestInstantiateTemplate_TemplateMissing(t *testing.T) {
	svc, mock := newTestService(t)
	templateID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_templates WHERE id = $1")).
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows(templateColumns()))

	_, err := svc.InstantiateTemplate(context.Background(), templateID, "g", "task", 100000)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestValidate_PersistsInvalidGraph(t *testing.T) {
	svc, mock := newTestService(t)
	graphID := uuid.New()
	n0, n1 := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_graphs WHERE id = $1")).
		WithArgs(graphID).
		WillReturnRows(graphRow(graphID, "active", "pending", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_nodes")).
		WithArgs(graphID).
		WillReturnRows(nodeRows(graphID,
			nodeSpec{id: n0, key: "n0", status: "pending"},
			nodeSpec{id: n1, key: "n1", status: "pending", deps: []string{"missing"}},
		))
	mock.ExpectExec(regexp.QuoteMeta("SET validation_status = 'invalid'")).
		WithArgs(graphID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	issues, err := svc.Validate(context.Background(), graphID)
	if len(issues) != 1 || issues[0].Code != IssueInvalidDependency {
		t.Fatalf("expected one INVALID_DEPENDENCY issue, got %v", issues)
	}
	if !errors.Is(err, ErrDependencyMissing) || !errors.Is(err, ErrGraphInvalid) {
		t.Fatalf("expected dependency-missing validation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidate_BudgetOverEstimate(t *testing.T) {
	svc, mock := newTestService(t)
	graphID := uuid.New()
	n0, n1 := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_graphs WHERE id = $1")).
		WithArgs(graphID).
		WillReturnRows(graphRow(graphID, "active", "pending", nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_nodes")).
		WithArgs(graphID).
		WillReturnRows(nodeRows(graphID,
			nodeSpec{id: n0, key: "n0", status: "pending", budget: 200000},
			nodeSpec{id: n1, key: "n1", status: "pending", deps: []string{"n0"}, budget: 200000},
		))
	mock.ExpectExec(regexp.QuoteMeta("SET validation_status = 'invalid'")).
		WithArgs(graphID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	issues, err := svc.Validate(context.Background(), graphID)
	if err == nil {
		t.Fatal("expected validation error")
	}
	found := false
	for _, issue := range issues {
		if issue.Code == IssueBudgetExceeded {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected BUDGET_EXCEEDED issue, got %v", issues)
	}
}

func TestValidate_AlreadyValidatedIsNoOp(t *testing.T) {
	svc, mock := newTestService(t)
	graphID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_graphs WHERE id = $1")).
		WithArgs(graphID).
		WillReturnRows(graphRow(graphID, "active", "validated", nil))

	issues, err := svc.Validate(context.Background(), graphID)
	if err != nil || issues != nil {
		t.Fatalf("expected no-op, got issues=%v err=%v", issues, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProgress_CountsByStatus(t *testing.T) {
	svc, mock := newTestService(t)
	graphID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_graphs WHERE id = $1")).
		WithArgs(graphID).
		WillReturnRows(graphRow(graphID, "active", "validated", nil))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY execution_status")).
		WithArgs(graphID).
		WillReturnRows(sqlmock.NewRows([]string{"execution_status", "count"}).
			AddRow("completed", 2).
			AddRow("executing", 1))

	progress, err := svc.Progress(context.Background(), graphID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if progress.TerminalNodes != 2 {
		t.Errorf("expected 2 terminal nodes, got %d", progress.TerminalNodes)
	}
	if progress.Counts["executing"] != 1 {
		t.Errorf("expected 1 executing node, got %d", progress.Counts["executing"])
	}
	if progress.Status != db.GraphStatusActive {
		t.Errorf("expected active graph, got %s", progress.Status)
	}
}

func TestUpdateTemplate_Missing(t *testing.T) {
	svc, mock := newTestService(t)
	tmpl := validTemplate()
	tmpl.ID = uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflow_templates")).
		WithArgs(tmpl.ID, "", nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
			300000, 2.0, 30000, false).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.UpdateTemplate(context.Background(), tmpl)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestDeleteTemplate_Missing(t *testing.T) {
	svc, mock := newTestService(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM workflow_templates")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.DeleteTemplate(context.Background(), id)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestGetTemplateByName_Missing(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM workflow_templates WHERE name = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(templateColumns()))

	_, err := svc.GetTemplateByName(context.Background(), "nope")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}
