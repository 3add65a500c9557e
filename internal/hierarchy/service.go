package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
)

var (
	// ErrCycleDetected rejects an edge that would make an agent its own ancestor.
	ErrCycleDetected = errors.New("hierarchy cycle detected")
	// ErrMaxDepthExceeded rejects growth past the configured depth limit.
	ErrMaxDepthExceeded = errors.New("maximum hierarchy depth exceeded")
)

// Service answers ancestry questions over the agent forest. The authoritative
// parent link is agents.parent_id; the hierarchy table carries the same edges
// for closure queries and is written in the same transaction as spawn.
type Service struct {
	client   *db.Client
	logger   *zap.Logger
	maxDepth int
}

// NewService creates a hierarchy service. maxDepth bounds every recursive
// walk, so a corrupted edge set degrades into an error instead of a hang.
func NewService(client *db.Client, maxDepth int, logger *zap.Logger) *Service {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Service{
		client:   client,
		logger:   logger,
		maxDepth: maxDepth,
	}
}

// MaxDepth returns the configured depth limit.
func (s *Service) MaxDepth() int {
	return s.maxDepth
}

// Ancestors returns the chain above an agent, nearest first.
func (s *Service) Ancestors(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.client.Wrapper().QueryContext(ctx, `
		WITH RECURSIVE up AS (
			SELECT parent_id, 1 AS distance
			FROM hierarchy WHERE child_id = $1
			UNION ALL
			SELECT h.parent_id, up.distance + 1
			FROM hierarchy h
			JOIN up ON h.child_id = up.parent_id
			WHERE up.distance < $2
		)
		SELECT parent_id FROM up ORDER BY distance ASC`,
		id, s.maxDepth+1,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors: %w", err)
	}
	defer rows.Close()

	var ancestors []uuid.UUID
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		ancestors = append(ancestors, pid)
	}
	return ancestors, rows.Err()
}

// Descendants returns every agent below the given one, parents before their
// children so callers can cascade top-down.
func (s *Service) Descendants(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.client.Wrapper().QueryContext(ctx, `
		WITH RECURSIVE down AS (
			SELECT child_id, 1 AS distance
			FROM hierarchy WHERE parent_id = $1
			UNION ALL
			SELECT h.child_id, down.distance + 1
			FROM hierarchy h
			JOIN down ON h.parent_id = down.child_id
			WHERE down.distance < $2
		)
		SELECT child_id FROM down ORDER BY distance ASC, child_id`,
		id, s.maxDepth+1,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants: %w", err)
	}
	defer rows.Close()

	var descendants []uuid.UUID
	for rows.Next() {
		var cid uuid.UUID
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("failed to scan descendant: %w", err)
		}
		descendants = append(descendants, cid)
	}
	return descendants, rows.Err()
}

// WouldCreateCycle reports whether linking child under parent would make an
// agent its own ancestor: true when parent == child or child already sits
// above parent.
func (s *Service) WouldCreateCycle(ctx context.Context, parentID, childID uuid.UUID) (bool, error) {
	if parentID == childID {
		return true, nil
	}

	row, err := s.client.Wrapper().QueryRowContext(ctx, `
		WITH RECURSIVE up AS (
			SELECT parent_id, 1 AS distance
			FROM hierarchy WHERE child_id = $1
			UNION ALL
			SELECT h.parent_id, up.distance + 1
			FROM hierarchy h
			JOIN up ON h.child_id = up.parent_id
			WHERE up.distance < $3
		)
		SELECT EXISTS(SELECT 1 FROM up WHERE parent_id = $2)`,
		parentID, childID, s.maxDepth+1,
	)
	if err != nil {
		return false, fmt.Errorf("failed to check cycle: %w", err)
	}

	var cycles bool
	if err := row.Scan(&cycles); err != nil {
		return false, fmt.Errorf("failed to check cycle: %w", err)
	}
	return cycles, nil
}

// Depth returns the number of ancestors above an agent. Walks the chain
// rather than trusting the denormalized depth_level column; a walk that
// exceeds the limit reports ErrMaxDepthExceeded.
func (s *Service) Depth(ctx context.Context, id uuid.UUID) (int, error) {
	ancestors, err := s.Ancestors(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(ancestors) > s.maxDepth {
		s.logger.Warn("Ancestor walk exceeded depth limit",
			zap.String("agent_id", id.String()),
			zap.Int("max_depth", s.maxDepth),
		)
		return 0, ErrMaxDepthExceeded
	}
	return len(ancestors), nil
}

// TreeNode is one agent with its children, for the ops tree view.
type TreeNode struct {
	Agent    *db.Agent   `json:"agent"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree assembles the nested subtree rooted at rootID. Returns nil when the
// root does not exist.
func (s *Service) Tree(ctx context.Context, rootID uuid.UUID) (*TreeNode, error) {
	root, err := s.client.GetAgent(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}

	rows, err := s.client.Wrapper().QueryContext(ctx, `
		WITH RECURSIVE down AS (
			SELECT child_id, 1 AS distance
			FROM hierarchy WHERE parent_id = $1
			UNION ALL
			SELECT h.child_id, down.distance + 1
			FROM hierarchy h
			JOIN down ON h.parent_id = down.child_id
			WHERE down.distance < $2
		)
		SELECT a.id, a.role, a.task, a.status, a.control_state, a.depth_level, a.parent_id,
			a.tokens_used, a.execution_duration_ms, a.result, a.error, a.model_hint,
			a.workspace_path, a.workspace_tag, a.metadata,
			a.created_at, a.updated_at, a.started_at, a.completed_at
		FROM agents a
		JOIN down ON a.id = down.child_id`,
		rootID, s.maxDepth+1,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtree: %w", err)
	}
	defer rows.Close()

	nodes := map[uuid.UUID]*TreeNode{
		rootID: {Agent: root},
	}
	var order []uuid.UUID
	for rows.Next() {
		var a db.Agent
		if err := rows.Scan(
			&a.ID, &a.Role, &a.Task, &a.Status, &a.ControlState, &a.DepthLevel, &a.ParentID,
			&a.TokensUsed, &a.ExecutionDurationMs, &a.Result, &a.Error, &a.ModelHint,
			&a.WorkspacePath, &a.WorkspaceTag, &a.Metadata,
			&a.CreatedAt, &a.UpdatedAt, &a.StartedAt, &a.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subtree agent: %w", err)
		}
		nodes[a.ID] = &TreeNode{Agent: &a}
		order = append(order, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range order {
		node := nodes[id]
		if node.Agent.ParentID == nil {
			continue
		}
		parent, ok := nodes[*node.Agent.ParentID]
		if !ok {
			// Edge rows outlived the parent; surface the orphan at the root
			parent = nodes[rootID]
		}
		parent.Children = append(parent.Children, node)
	}

	for _, node := range nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Agent.CreatedAt.Before(node.Children[j].Agent.CreatedAt)
		})
	}

	return nodes[rootID], nil
}
