// Package workflow builds and drives DAGs of agents. Templates are reusable
// blueprints; instantiation turns one into a graph of nodes; the engine
// spawns nodes event-driven as dependencies complete; the poller reconciles
// anything the event path missed.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/streaming"
)

var (
	// ErrTemplateNotFound means the template id or name does not exist.
	ErrTemplateNotFound = errors.New("workflow template not found")
	// ErrTemplateDisabled rejects instantiating a disabled template.
	ErrTemplateDisabled = errors.New("workflow template disabled")
	// ErrGraphNotFound means the graph id does not exist.
	ErrGraphNotFound = errors.New("workflow graph not found")
	// ErrGraphInvalid rejects executing a graph that failed validation.
	ErrGraphInvalid = errors.New("workflow graph invalid")
	// ErrGraphNotActive rejects advancing a paused or finished graph.
	ErrGraphNotActive = errors.New("workflow graph not active")
	// ErrInsufficientBudget rejects instantiation below the template minimum.
	ErrInsufficientBudget = errors.New("insufficient budget for template")
	// ErrDependencyMissing is matched by validation errors that include an
	// unknown-dependency issue.
	ErrDependencyMissing = errors.New("workflow dependency missing")
)

// Is lets callers probe aggregated validation failures with errors.Is.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrGraphInvalid:
		return true
	case ErrDependencyMissing:
		for _, issue := range e.Issues {
			if issue.Code == IssueInvalidDependency {
				return true
			}
		}
	}
	return false
}

// Service owns workflow templates and graphs: CRUD, instantiation, and
// validation. The engine consumes what it produces.
type Service struct {
	client *db.Client
	events *streaming.Manager
	logger *zap.Logger
}

// NewService creates the workflow service.
func NewService(client *db.Client, logger *zap.Logger) *Service {
	return &Service{client: client, logger: logger}
}

// SetEvents attaches the streaming hub for graph lifecycle events.
func (s *Service) SetEvents(m *streaming.Manager) {
	s.events = m
}

// validateTemplate checks a template's structure before it is persisted.
func validateTemplate(t *db.WorkflowTemplate) error {
	var issues []ValidationIssue

	if strings.TrimSpace(t.Name) == "" {
		issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE", Message: "template name is required"})
	}
	if len(t.NodeTemplates) == 0 {
		issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE", Message: "at least one node template is required"})
	}
	if t.TotalEstimatedBudget <= 0 {
		issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE", Message: "total_estimated_budget must be positive"})
	}
	if t.MinBudgetRequired <= 0 || t.MinBudgetRequired > t.TotalEstimatedBudget {
		issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
			Message: fmt.Sprintf("min_budget_required %d must be in (0, %d]", t.MinBudgetRequired, t.TotalEstimatedBudget)})
	}
	if t.ComplexityRating < 0 || t.ComplexityRating > 10 {
		issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
			Message: fmt.Sprintf("complexity_rating %.1f must be in [0, 10]", t.ComplexityRating)})
	}

	var totalPct float64
	keys := make(map[string]struct{}, len(t.NodeTemplates))
	dag := make([]dagNode, 0, len(t.NodeTemplates))
	for i, nt := range t.NodeTemplates {
		if strings.TrimSpace(nt.NodeID) == "" {
			issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
				Message: fmt.Sprintf("node template at index %d is missing node_id", i)})
			continue
		}
		if _, dup := keys[nt.NodeID]; dup {
			issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
				Message: fmt.Sprintf("duplicate node_id %q", nt.NodeID), NodeKey: nt.NodeID})
			continue
		}
		keys[nt.NodeID] = struct{}{}
		if strings.TrimSpace(nt.Role) == "" {
			issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
				Message: fmt.Sprintf("node %q is missing a role", nt.NodeID), NodeKey: nt.NodeID})
		}
		if strings.TrimSpace(nt.TaskTemplate) == "" {
			issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
				Message: fmt.Sprintf("node %q is missing a task_template", nt.NodeID), NodeKey: nt.NodeID})
		}
		if nt.BudgetPercentage <= 0 || nt.BudgetPercentage > 100 {
			issues = append(issues, ValidationIssue{Code: "INVALID_TEMPLATE",
				Message: fmt.Sprintf("node %q budget_percentage %.2f must be in (0, 100]", nt.NodeID, nt.BudgetPercentage),
				NodeKey: nt.NodeID})
		}
		totalPct += nt.BudgetPercentage
		dag = append(dag, dagNode{Key: nt.NodeID, Deps: nt.Dependencies})
	}
	if totalPct > 100.0001 {
		issues = append(issues, ValidationIssue{Code: IssueBudgetExceeded,
			Message: fmt.Sprintf("budget percentages sum to %.2f, cannot exceed 100", totalPct)})
	}

	issues = append(issues, validateDAG(dag)...)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// CreateTemplate validates and persists a new template.
func (s *Service) CreateTemplate(ctx context.Context, t *db.WorkflowTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := s.client.CreateTemplate(ctx, t); err != nil {
		return err
	}
	s.logger.Info("Workflow template created",
		zap.String("template_id", t.ID.String()),
		zap.String("name", t.Name),
		zap.Int("nodes", len(t.NodeTemplates)),
	)
	return nil
}

// GetTemplate loads a template or reports ErrTemplateNotFound.
func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*db.WorkflowTemplate, error) {
	t, err := s.client.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// GetTemplateByName loads a template by its unique name.
func (s *Service) GetTemplateByName(ctx context.Context, name string) (*db.WorkflowTemplate, error) {
	t, err := s.client.GetTemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return t, nil
}

// ListTemplates lists templates, optionally only enabled ones.
func (s *Service) ListTemplates(ctx context.Context, onlyEnabled bool) ([]*db.WorkflowTemplate, error) {
	return s.client.ListTemplates(ctx, onlyEnabled)
}

// UpdateTemplate validates and rewrites a template's mutable fields.
func (s *Service) UpdateTemplate(ctx context.Context, t *db.WorkflowTemplate) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	err := s.client.UpdateTemplate(ctx, t)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, t.ID)
	}
	return err
}

// DeleteTemplate removes a template. Existing graphs keep running.
func (s *Service) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	err := s.client.DeleteTemplate(ctx, id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return err
}

// InstantiateTemplate turns a template into a concrete graph. Node budgets
// are floor(budget × percentage / 100) and {TASK} in each task_template is
// replaced by the supplied task. The graph is validated before it is
// returned; an invalid graph is persisted as invalid and the validation
// error is returned.
func (s *Service) InstantiateTemplate(ctx context.Context, templateID uuid.UUID, graphName, task string, budget int) (*db.WorkflowGraph, error) {
	if strings.TrimSpace(graphName) == "" {
		return nil, fmt.Errorf("graph name is required")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", budget)
	}

	tmpl, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTemplateDisabled, tmpl.Name)
	}
	if budget < tmpl.MinBudgetRequired {
		return nil, fmt.Errorf("%w: %d below template minimum %d",
			ErrInsufficientBudget, budget, tmpl.MinBudgetRequired)
	}

	estimated := budget
	graph := &db.WorkflowGraph{
		ID:               uuid.New(),
		Name:             graphName,
		Description:      &tmpl.Description,
		TemplateID:       &tmpl.ID,
		Status:           db.GraphStatusActive,
		ValidationStatus: db.ValidationPending,
		TotalNodes:       len(tmpl.NodeTemplates),
		EstimatedBudget:  &estimated,
		ComplexityRating: &tmpl.ComplexityRating,
	}
	for _, nt := range tmpl.NodeTemplates {
		graph.TotalEdges += len(nt.Dependencies)
	}

	err = s.client.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_graphs (id, name, description, template_id, status,
				validation_status, total_nodes, total_edges, estimated_budget, complexity_rating)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			graph.ID, graph.Name, graph.Description, graph.TemplateID, graph.Status,
			graph.ValidationStatus, graph.TotalNodes, graph.TotalEdges,
			graph.EstimatedBudget, graph.ComplexityRating,
		)
		if err != nil {
			return fmt.Errorf("failed to insert graph: %w", err)
		}

		for _, nt := range tmpl.NodeTemplates {
			nodeBudget := int(math.Floor(float64(budget) * nt.BudgetPercentage / 100))
			if nodeBudget < 1 {
				nodeBudget = 1
			}
			taskDescription := strings.ReplaceAll(nt.TaskTemplate, "{TASK}", task)
			deps := nt.Dependencies
			if deps == nil {
				// nil arrays write NULL; the column wants an empty array
				deps = []string{}
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_nodes (id, workflow_graph_id, node_key, role,
					task_description, budget_allocation, dependencies, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				uuid.New(), graph.ID, nt.NodeID, nt.Role,
				taskDescription, nodeBudget, pq.StringArray(deps), nt.Position,
			)
			if err != nil {
				return fmt.Errorf("failed to insert node %s: %w", nt.NodeID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Validate(ctx, graph.ID); err != nil {
		return nil, err
	}
	graph.ValidationStatus = db.ValidationValidated

	if err := s.client.IncrementTemplateUsage(ctx, tmpl.ID); err != nil {
		s.logger.Warn("Failed to increment template usage",
			zap.String("template_id", tmpl.ID.String()),
			zap.Error(err))
	}

	s.logger.Info("Workflow instantiated",
		zap.String("graph_id", graph.ID.String()),
		zap.String("template", tmpl.Name),
		zap.Int("nodes", graph.TotalNodes),
		zap.Int("budget", budget),
	)
	metrics.WorkflowsInstantiated.Inc()
	s.events.Publish(streaming.GraphScope(graph.ID), streaming.Event{
		Type:    streaming.TypeGraphCreated,
		GraphID: graph.ID.String(),
		Payload: map[string]interface{}{
			"name":     graph.Name,
			"template": tmpl.Name,
			"nodes":    graph.TotalNodes,
			"budget":   budget,
		},
	})
	return graph, nil
}

// Validate checks dependency integrity, acyclicity, and the budget sum, then
// persists the outcome. Validating an already-validated graph is a no-op.
// Returns the issues when the graph is invalid, alongside a ValidationError.
func (s *Service) Validate(ctx context.Context, graphID uuid.UUID) ([]ValidationIssue, error) {
	graph, err := s.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if graph.ValidationStatus == db.ValidationValidated {
		return nil, nil
	}

	nodes, err := s.client.GetGraphNodes(ctx, graphID)
	if err != nil {
		return nil, err
	}

	dag := make([]dagNode, len(nodes))
	budgetSum := 0
	for i, n := range nodes {
		dag[i] = dagNode{Key: n.NodeKey, Deps: n.Dependencies}
		budgetSum += n.BudgetAllocation
	}

	issues := validateDAG(dag)
	if graph.EstimatedBudget != nil && budgetSum > *graph.EstimatedBudget {
		issues = append(issues, ValidationIssue{
			Code:    IssueBudgetExceeded,
			Message: fmt.Sprintf("node budgets sum to %d, graph estimate is %d", budgetSum, *graph.EstimatedBudget),
		})
	}

	if len(issues) > 0 {
		errsJSON := db.JSONB{"issues": issues}
		_, err = s.client.Wrapper().ExecContext(ctx, `
			UPDATE workflow_graphs
			SET validation_status = 'invalid', validation_errors = $2
			WHERE id = $1`,
			graphID, errsJSON,
		)
		if err != nil {
			return issues, fmt.Errorf("failed to persist validation result: %w", err)
		}
		s.logger.Warn("Workflow graph failed validation",
			zap.String("graph_id", graphID.String()),
			zap.Int("issues", len(issues)),
		)
		return issues, &ValidationError{Issues: issues}
	}

	_, err = s.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_graphs
		SET validation_status = 'validated', validation_errors = NULL, validated_at = now()
		WHERE id = $1`,
		graphID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to persist validation result: %w", err)
	}
	return nil, nil
}

// GetGraph loads a graph or reports ErrGraphNotFound.
func (s *Service) GetGraph(ctx context.Context, id uuid.UUID) (*db.WorkflowGraph, error) {
	g, err := s.client.GetGraph(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, id)
	}
	return g, nil
}

// ListGraphs lists graphs newest first, optionally filtered by status.
func (s *Service) ListGraphs(ctx context.Context, status *string, limit, offset int) ([]*db.WorkflowGraph, error) {
	return s.client.ListGraphs(ctx, status, limit, offset)
}

// GetGraphNodes returns a graph's nodes in position order.
func (s *Service) GetGraphNodes(ctx context.Context, graphID uuid.UUID) ([]*db.WorkflowNode, error) {
	return s.client.GetGraphNodes(ctx, graphID)
}

// GraphProgress summarizes a graph for pollers and operational views.
type GraphProgress struct {
	GraphID          uuid.UUID      `json:"graph_id"`
	Status           string         `json:"status"`
	ValidationStatus string         `json:"validation_status"`
	TotalNodes       int            `json:"total_nodes"`
	Counts           map[string]int `json:"counts"`
	TerminalNodes    int            `json:"terminal_nodes"`
}

// Progress returns node counts by execution status plus the graph status.
func (s *Service) Progress(ctx context.Context, graphID uuid.UUID) (*GraphProgress, error) {
	graph, err := s.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	counts, err := s.client.NodeStatusCounts(ctx, graphID)
	if err != nil {
		return nil, err
	}

	progress := &GraphProgress{
		GraphID:          graph.ID,
		Status:           graph.Status,
		ValidationStatus: graph.ValidationStatus,
		TotalNodes:       graph.TotalNodes,
		Counts:           counts,
	}
	for status, n := range counts {
		if db.IsTerminalNodeStatus(status) {
			progress.TerminalNodes += n
		}
	}
	return progress, nil
}
