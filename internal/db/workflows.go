package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// TemplateColumns is the full workflow template column list.
const TemplateColumns = `id, name, description, category, node_templates, edge_patterns,
	total_estimated_budget, complexity_rating, min_budget_required,
	usage_count, success_rate, enabled, created_by, created_at, updated_at`

// GraphColumns is the full workflow graph column list.
const GraphColumns = `id, name, description, template_id, parent_agent_id,
	status, validation_status, validation_errors,
	total_nodes, total_edges, estimated_budget, complexity_rating,
	created_at, updated_at, validated_at, completed_at`

// NodeColumns is the full workflow node column list.
const NodeColumns = `id, workflow_graph_id, node_key, agent_id, role, task_description,
	budget_allocation, dependencies, execution_status,
	spawn_timestamp, completion_timestamp, result, error_message,
	position, metadata, created_at, updated_at`

func scanTemplate(scanner interface{ Scan(...interface{}) error }) (*WorkflowTemplate, error) {
	var t WorkflowTemplate
	err := scanner.Scan(
		&t.ID, &t.Name, &t.Description, &t.Category, &t.NodeTemplates, &t.EdgePatterns,
		&t.TotalEstimatedBudget, &t.ComplexityRating, &t.MinBudgetRequired,
		&t.UsageCount, &t.SuccessRate, &t.Enabled, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanGraph(scanner interface{ Scan(...interface{}) error }) (*WorkflowGraph, error) {
	var g WorkflowGraph
	err := scanner.Scan(
		&g.ID, &g.Name, &g.Description, &g.TemplateID, &g.ParentAgentID,
		&g.Status, &g.ValidationStatus, &g.ValidationErrors,
		&g.TotalNodes, &g.TotalEdges, &g.EstimatedBudget, &g.ComplexityRating,
		&g.CreatedAt, &g.UpdatedAt, &g.ValidatedAt, &g.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ScanNodeRow scans the full workflow node column set.
func ScanNodeRow(scanner interface{ Scan(...interface{}) error }) (*WorkflowNode, error) {
	var n WorkflowNode
	err := scanner.Scan(
		&n.ID, &n.WorkflowGraphID, &n.NodeKey, &n.AgentID, &n.Role, &n.TaskDescription,
		&n.BudgetAllocation, &n.Dependencies, &n.ExecutionStatus,
		&n.SpawnTimestamp, &n.CompletionTimestamp, &n.Result, &n.ErrorMessage,
		&n.Position, &n.Metadata, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateTemplate inserts a workflow template.
func (c *Client) CreateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, name, description, category,
			node_templates, edge_patterns, total_estimated_budget,
			complexity_rating, min_budget_required, enabled, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.Description, t.Category,
		t.NodeTemplates, t.EdgePatterns, t.TotalEstimatedBudget,
		t.ComplexityRating, t.MinBudgetRequired, t.Enabled, t.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// UpsertTemplateByName inserts a template or refreshes an existing one of the
// same name. Usage counters and success rate survive the refresh.
func (c *Client) UpsertTemplateByName(ctx context.Context, t *WorkflowTemplate) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO workflow_templates (id, name, description, category,
			node_templates, edge_patterns, total_estimated_budget,
			complexity_rating, min_budget_required, enabled, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			node_templates = EXCLUDED.node_templates,
			edge_patterns = EXCLUDED.edge_patterns,
			total_estimated_budget = EXCLUDED.total_estimated_budget,
			complexity_rating = EXCLUDED.complexity_rating,
			min_budget_required = EXCLUDED.min_budget_required,
			enabled = EXCLUDED.enabled`,
		t.ID, t.Name, t.Description, t.Category,
		t.NodeTemplates, t.EdgePatterns, t.TotalEstimatedBudget,
		t.ComplexityRating, t.MinBudgetRequired, t.Enabled, t.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template %s: %w", t.Name, err)
	}
	return nil
}

// GetTemplate retrieves a template by ID. Returns nil without error when the
// template does not exist.
func (c *Client) GetTemplate(ctx context.Context, id uuid.UUID) (*WorkflowTemplate, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_templates WHERE id = $1`, TemplateColumns)

	row, err := c.db.QueryRowContext(ctx, query, id)
	if err != nil {
		return nil, err
	}

	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// GetTemplateByName retrieves a template by its unique name.
func (c *Client) GetTemplateByName(ctx context.Context, name string) (*WorkflowTemplate, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_templates WHERE name = $1`, TemplateColumns)

	row, err := c.db.QueryRowContext(ctx, query, name)
	if err != nil {
		return nil, err
	}

	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template by name: %w", err)
	}
	return t, nil
}

// ListTemplates retrieves templates, optionally only enabled ones, by name.
func (c *Client) ListTemplates(ctx context.Context, onlyEnabled bool) ([]*WorkflowTemplate, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_templates`, TemplateColumns)
	if onlyEnabled {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name ASC`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// UpdateTemplate rewrites the mutable fields of a template.
func (c *Client) UpdateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE workflow_templates
		SET description = $2, category = $3, node_templates = $4, edge_patterns = $5,
		    total_estimated_budget = $6, complexity_rating = $7,
		    min_budget_required = $8, enabled = $9
		WHERE id = $1`,
		t.ID, t.Description, t.Category, t.NodeTemplates, t.EdgePatterns,
		t.TotalEstimatedBudget, t.ComplexityRating, t.MinBudgetRequired, t.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTemplate removes a template. Graphs instantiated from it keep running;
// their template_id goes NULL via the foreign key.
func (c *Client) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementTemplateUsage bumps usage_count after a successful instantiation.
func (c *Client) IncrementTemplateUsage(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE workflow_templates SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment template usage: %w", err)
	}
	return nil
}

// GetGraph retrieves a workflow graph by ID. Returns nil without error when
// the graph does not exist.
func (c *Client) GetGraph(ctx context.Context, id uuid.UUID) (*WorkflowGraph, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_graphs WHERE id = $1`, GraphColumns)

	row, err := c.db.QueryRowContext(ctx, query, id)
	if err != nil {
		return nil, err
	}

	g, err := scanGraph(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get graph: %w", err)
	}
	return g, nil
}

// ListGraphs retrieves graphs newest first, optionally filtered by status.
func (c *Client) ListGraphs(ctx context.Context, status *string, limit, offset int) ([]*WorkflowGraph, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = c.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM workflow_graphs
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`, GraphColumns),
			*status, limit, offset)
	} else {
		rows, err = c.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM workflow_graphs
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, GraphColumns),
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	defer rows.Close()

	var graphs []*WorkflowGraph
	for rows.Next() {
		g, err := scanGraph(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan graph: %w", err)
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

// GetGraphNodes retrieves every node of a graph in position order.
func (c *Client) GetGraphNodes(ctx context.Context, graphID uuid.UUID) ([]*WorkflowNode, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM workflow_nodes
		WHERE workflow_graph_id = $1
		ORDER BY position ASC, node_key ASC`, NodeColumns)

	rows, err := c.db.QueryContext(ctx, query, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to list graph nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*WorkflowNode
	for rows.Next() {
		n, err := ScanNodeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNodeByAgent retrieves the workflow node bound to an agent, or nil when
// the agent is not a workflow node.
func (c *Client) GetNodeByAgent(ctx context.Context, agentID uuid.UUID) (*WorkflowNode, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_nodes WHERE agent_id = $1`, NodeColumns)

	row, err := c.db.QueryRowContext(ctx, query, agentID)
	if err != nil {
		return nil, err
	}

	n, err := ScanNodeRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node by agent: %w", err)
	}
	return n, nil
}

// NodeStatusCounts returns node counts per execution status for a graph.
func (c *Client) NodeStatusCounts(ctx context.Context, graphID uuid.UUID) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT execution_status, COUNT(*)
		FROM workflow_nodes
		WHERE workflow_graph_id = $1
		GROUP BY execution_status`,
		graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to count node statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
