package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AgentColumns is the full agent column list, for SELECT and RETURNING.
const AgentColumns = `id, role, task, status, control_state, depth_level, parent_id,
	tokens_used, execution_duration_ms, result, error, model_hint,
	workspace_path, workspace_tag, metadata,
	created_at, updated_at, started_at, completed_at`

// ScanAgentRow scans the full agent column set from a row or rows cursor.
func ScanAgentRow(scanner interface{ Scan(...interface{}) error }) (*Agent, error) {
	return scanAgent(scanner)
}

func scanAgent(scanner interface{ Scan(...interface{}) error }) (*Agent, error) {
	var a Agent
	err := scanner.Scan(
		&a.ID, &a.Role, &a.Task, &a.Status, &a.ControlState, &a.DepthLevel, &a.ParentID,
		&a.TokensUsed, &a.ExecutionDurationMs, &a.Result, &a.Error, &a.ModelHint,
		&a.WorkspacePath, &a.WorkspaceTag, &a.Metadata,
		&a.CreatedAt, &a.UpdatedAt, &a.StartedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID. Returns nil without error when the agent
// does not exist.
func (c *Client) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE id = $1`, AgentColumns)

	row, err := c.db.QueryRowContext(ctx, query, id)
	if err != nil {
		return nil, err
	}

	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// ListAgents retrieves agents matching the filter, newest first.
func (c *Client) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Role != nil {
		args = append(args, *filter.Role)
		conditions = append(conditions, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.ParentID != nil {
		args = append(args, *filter.ParentID)
		conditions = append(conditions, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if filter.RootOnly {
		conditions = append(conditions, "parent_id IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	limitPos := len(args)
	args = append(args, filter.Offset)
	offsetPos := len(args)

	query := fmt.Sprintf(`
		SELECT %s FROM agents
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		AgentColumns, where, limitPos, offsetPos)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// GetAgentChildren retrieves the direct children of an agent in spawn order.
func (c *Client) GetAgentChildren(ctx context.Context, parentID uuid.UUID) ([]*Agent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM agents
		WHERE parent_id = $1
		ORDER BY created_at ASC`, AgentColumns)

	rows, err := c.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent children: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentControlState sets the control state for pause/resume handling.
// Status transitions go through the lifecycle service, not here.
func (c *Client) UpdateAgentControlState(ctx context.Context, id uuid.UUID, state string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE agents SET control_state = $2 WHERE id = $1`,
		id, state,
	)
	if err != nil {
		return fmt.Errorf("failed to update control state: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("agent %s not found", id)
	}

	c.logger.Debug("Agent control state updated",
		zap.String("agent_id", id.String()),
		zap.String("control_state", state),
	)
	return nil
}

// AgentStatusCounts returns the number of agents per status, for gauges.
func (c *Client) AgentStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TouchAgentStarted stamps started_at once, when execution actually begins.
func (c *Client) TouchAgentStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE agents SET started_at = COALESCE(started_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to stamp agent start: %w", err)
	}
	return nil
}
