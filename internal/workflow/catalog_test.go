package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func writeCatalogFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write catalog file %s: %v", name, err)
	}
}

const researchCatalogYAML = `name: research-pipeline
description: gather and summarize
category: research
total_estimated_budget: 200000
complexity_rating: 3
min_budget_required: 20000
nodes:
  - node_id: gather
    role: researcher
    task_template: "gather sources on {TASK}"
    budget_percentage: 50
  - node_id: summarize
    role: writer
    task_template: "summarize findings for {TASK}"
    budget_percentage: 50
    dependencies: [gather]
`

func TestLoadCatalog_UpsertsTemplates(t *testing.T) {
	svc, mock := newTestService(t)
	dir := t.TempDir()
	writeCatalogFile(t, dir, "10-research.yaml", researchCatalogYAML)
	writeCatalogFile(t, dir, "20-review.yml", `name: single-review
total_estimated_budget: 50000
complexity_rating: 1
min_budget_required: 5000
enabled: false
nodes:
  - node_id: review
    role: reviewer
    task_template: "review {TASK}"
    budget_percentage: 100
`)
	writeCatalogFile(t, dir, "README.md", "not a template")

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (name) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "research-pipeline", "gather and summarize", "research",
			sqlmock.AnyArg(), sqlmock.AnyArg(), 200000, 3.0, 20000, true, "catalog").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (name) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "single-review", "", nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 50000, 1.0, 5000, false, "catalog").
		WillReturnResult(sqlmock.NewResult(0, 1))

	loaded, err := svc.LoadCatalog(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if loaded != 2 {
		t.Errorf("expected 2 templates loaded, got %d", loaded)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadCatalog_CollectsFailuresAndKeepsLoading(t *testing.T) {
	svc, mock := newTestService(t)
	dir := t.TempDir()
	writeCatalogFile(t, dir, "a-valid.yaml", researchCatalogYAML)
	writeCatalogFile(t, dir, "b-broken.yaml", "{{{ not yaml")
	writeCatalogFile(t, dir, "c-overbudget.yaml", `name: overbudget
total_estimated_budget: 1000
complexity_rating: 1
min_budget_required: 100
nodes:
  - node_id: only
    role: worker
    task_template: "do {TASK}"
    budget_percentage: 200
`)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (name) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "research-pipeline", "gather and summarize", "research",
			sqlmock.AnyArg(), sqlmock.AnyArg(), 200000, 3.0, 20000, true, "catalog").
		WillReturnResult(sqlmock.NewResult(0, 1))

	loaded, err := svc.LoadCatalog(context.Background(), dir)
	if loaded != 1 {
		t.Errorf("expected the valid template to load, got %d", loaded)
	}
	var catErr *CatalogLoadError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected CatalogLoadError, got %v", err)
	}
	if len(catErr.Failures) != 2 {
		t.Errorf("expected 2 failures, got %v", catErr.Failures)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadCatalog_RejectsUnknownFields(t *testing.T) {
	svc, _ := newTestService(t)
	dir := t.TempDir()
	writeCatalogFile(t, dir, "typo.yaml", `name: typo
total_estimated_budget: 1000
min_budget_requierd: 100
nodes:
  - node_id: only
    role: worker
    task_template: "do {TASK}"
    budget_percentage: 100
`)

	loaded, err := svc.LoadCatalog(context.Background(), dir)
	if loaded != 0 {
		t.Errorf("misspelled field must not load, got %d", loaded)
	}
	var catErr *CatalogLoadError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected CatalogLoadError, got %v", err)
	}
}

func TestLoadCatalog_MissingDirectory(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.LoadCatalog(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestCatalogTemplate_DerivesEdgesAndDefaults(t *testing.T) {
	five := 5
	ct := &catalogTemplate{
		Name:                 "edges",
		TotalEstimatedBudget: 1000,
		MinBudgetRequired:    100,
		Nodes: []catalogNode{
			{NodeID: "gather", Role: "researcher", TaskTemplate: "g {TASK}", BudgetPercentage: 50},
			{NodeID: "summarize", Role: "writer", TaskTemplate: "s {TASK}", BudgetPercentage: 50,
				Dependencies: []string{"gather"}, Position: &five},
		},
	}

	tmpl := ct.toTemplate()
	if !tmpl.Enabled {
		t.Error("enabled should default to true")
	}
	if len(tmpl.EdgePatterns) != 1 {
		t.Fatalf("expected 1 derived edge, got %d", len(tmpl.EdgePatterns))
	}
	edge := tmpl.EdgePatterns[0]
	if edge.SourceNodeID != "gather" || edge.TargetNodeID != "summarize" {
		t.Errorf("unexpected edge %+v", edge)
	}
	if tmpl.NodeTemplates[0].Position != 0 {
		t.Errorf("position should default to index, got %d", tmpl.NodeTemplates[0].Position)
	}
	if tmpl.NodeTemplates[1].Position != 5 {
		t.Errorf("explicit position should win, got %d", tmpl.NodeTemplates[1].Position)
	}
}
