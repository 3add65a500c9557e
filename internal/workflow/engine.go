package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/streaming"
)

// AgentSpawner is the slice of the lifecycle service the engine needs.
type AgentSpawner interface {
	Spawn(ctx context.Context, req lifecycle.SpawnRequest) (*db.Agent, error)
	TerminateTree(ctx context.Context, rootID uuid.UUID, reason string) (int, error)
}

// Engine drives graph execution. Nodes are spawned strictly as their
// dependencies complete; there is no pre-spawning. Every node update is a
// guarded UPDATE, so duplicate invocations from the event path and the
// poller are no-ops.
type Engine struct {
	client  *db.Client
	spawner AgentSpawner
	events  *streaming.Manager
	logger  *zap.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(client *db.Client, spawner AgentSpawner, logger *zap.Logger) *Engine {
	return &Engine{
		client:  client,
		spawner: spawner,
		logger:  logger,
	}
}

// SetEvents attaches the streaming hub for graph and node events.
func (e *Engine) SetEvents(m *streaming.Manager) {
	e.events = m
}

// Execute starts a validated graph: it spawns the initial frontier (nodes
// with no dependencies) and nothing else. parentAgentID, when set, becomes
// the parent of every node agent and is recorded on the graph for later
// frontier spawns.
func (e *Engine) Execute(ctx context.Context, graphID uuid.UUID, parentAgentID *uuid.UUID) error {
	graph, err := e.client.GetGraph(ctx, graphID)
	if err != nil {
		return err
	}
	if graph == nil {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	if graph.ValidationStatus != db.ValidationValidated {
		return fmt.Errorf("%w: validation status is %s", ErrGraphInvalid, graph.ValidationStatus)
	}
	if graph.Status != db.GraphStatusActive {
		return fmt.Errorf("%w: status is %s", ErrGraphNotActive, graph.Status)
	}

	if parentAgentID != nil {
		// First execution wins the binding; a re-run keeps the original parent
		_, err = e.client.Wrapper().ExecContext(ctx, `
			UPDATE workflow_graphs SET parent_agent_id = $2
			WHERE id = $1 AND parent_agent_id IS NULL`,
			graphID, *parentAgentID,
		)
		if err != nil {
			return fmt.Errorf("failed to bind parent agent: %w", err)
		}
	}

	nodes, err := e.client.GetGraphNodes(ctx, graphID)
	if err != nil {
		return err
	}

	spawned := 0
	for _, node := range nodes {
		if node.ExecutionStatus != db.NodeStatusPending || len(node.Dependencies) > 0 {
			continue
		}
		if err := e.spawnNode(ctx, graphID, node, parentAgentID, node.TaskDescription); err != nil {
			return err
		}
		spawned++
	}

	e.logger.Info("Workflow execution started",
		zap.String("graph_id", graphID.String()),
		zap.Int("frontier", spawned),
		zap.Int("total_nodes", len(nodes)),
	)
	return nil
}

// spawnNode claims a pending node, spawns its agent, and binds the two.
// The claim (pending → spawning) makes concurrent spawners mutually
// exclusive; losing the claim is a silent no-op.
func (e *Engine) spawnNode(ctx context.Context, graphID uuid.UUID, node *db.WorkflowNode, parentID *uuid.UUID, task string) error {
	res, err := e.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_nodes SET execution_status = 'spawning'
		WHERE id = $1 AND execution_status IN ('pending', 'ready')`,
		node.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to claim node %s: %w", node.NodeKey, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}

	agent, err := e.spawner.Spawn(ctx, lifecycle.SpawnRequest{
		Role:     node.Role,
		Task:     task,
		Budget:   node.BudgetAllocation,
		ParentID: parentID,
		Source:   "workflow",
		Metadata: db.JSONB{
			"workflow_graph_id": graphID.String(),
			"node_key":          node.NodeKey,
		},
	})
	if err != nil {
		if _, markErr := e.client.Wrapper().ExecContext(ctx, `
			UPDATE workflow_nodes
			SET execution_status = 'failed', error_message = $2, completion_timestamp = now()
			WHERE id = $1 AND execution_status = 'spawning'`,
			node.ID, err.Error(),
		); markErr != nil {
			e.logger.Error("Failed to mark node spawn failure",
				zap.String("node_key", node.NodeKey),
				zap.Error(markErr))
		}
		if _, skipErr := e.skipDependents(ctx, graphID, node.NodeKey); skipErr != nil {
			e.logger.Error("Failed to skip dependents after spawn failure",
				zap.String("node_key", node.NodeKey),
				zap.Error(skipErr))
		}
		e.failGraph(ctx, graphID)
		return fmt.Errorf("failed to spawn node %s: %w", node.NodeKey, err)
	}

	res, err = e.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_nodes
		SET agent_id = $2, execution_status = 'executing', spawn_timestamp = now()
		WHERE id = $1 AND execution_status = 'spawning'`,
		node.ID, agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to bind node %s: %w", node.NodeKey, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// The node was released while we were spawning; the agent has no home
		if _, termErr := e.spawner.TerminateTree(ctx, agent.ID, "workflow node released"); termErr != nil {
			e.logger.Warn("Failed to terminate unbound node agent",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(termErr))
		}
		return nil
	}

	e.logger.Debug("Workflow node spawned",
		zap.String("graph_id", graphID.String()),
		zap.String("node_key", node.NodeKey),
		zap.String("agent_id", agent.ID.String()),
		zap.Int("budget", node.BudgetAllocation),
	)
	metrics.WorkflowNodesSpawned.Inc()
	e.events.Publish(streaming.GraphScope(graphID), streaming.Event{
		Type:    streaming.TypeNodeSpawned,
		GraphID: graphID.String(),
		AgentID: agent.ID.String(),
		Payload: map[string]interface{}{
			"node_key": node.NodeKey,
			"budget":   node.BudgetAllocation,
		},
	})
	return nil
}

// ProcessCompletedNode records a node completion and spawns every node the
// completion makes ready. Unbound agents and repeat invocations are no-ops.
func (e *Engine) ProcessCompletedNode(ctx context.Context, agentID uuid.UUID, result db.JSONB) error {
	row, err := e.client.Wrapper().QueryRowContext(ctx, `
		UPDATE workflow_nodes
		SET execution_status = 'completed', completion_timestamp = now(), result = $2
		WHERE agent_id = $1 AND execution_status = 'executing'
		RETURNING workflow_graph_id, node_key`,
		agentID, result,
	)
	if err != nil {
		return fmt.Errorf("failed to complete node: %w", err)
	}
	var graphID uuid.UUID
	var nodeKey string
	if err := row.Scan(&graphID, &nodeKey); err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to complete node: %w", err)
	}

	e.logger.Info("Workflow node completed",
		zap.String("graph_id", graphID.String()),
		zap.String("node_key", nodeKey),
		zap.String("agent_id", agentID.String()),
	)

	_, err = e.advanceGraph(ctx, graphID)
	return err
}

// ProcessFailedNode records a node failure, skips every transitive dependent
// that has not started, and fails the graph. In-flight sibling nodes keep
// running; their completions land but spawn nothing further.
func (e *Engine) ProcessFailedNode(ctx context.Context, agentID uuid.UUID, errMsg string) error {
	row, err := e.client.Wrapper().QueryRowContext(ctx, `
		UPDATE workflow_nodes
		SET execution_status = 'failed', error_message = $2, completion_timestamp = now()
		WHERE agent_id = $1 AND execution_status = 'executing'
		RETURNING workflow_graph_id, node_key`,
		agentID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to fail node: %w", err)
	}
	var graphID uuid.UUID
	var nodeKey string
	if err := row.Scan(&graphID, &nodeKey); err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to fail node: %w", err)
	}

	skipped, err := e.skipDependents(ctx, graphID, nodeKey)
	if err != nil {
		return err
	}
	e.failGraph(ctx, graphID)

	e.logger.Warn("Workflow node failed",
		zap.String("graph_id", graphID.String()),
		zap.String("node_key", nodeKey),
		zap.String("error", errMsg),
		zap.Int("skipped_dependents", skipped),
	)
	return nil
}

// HandleAgentTerminal is the lifecycle hook entry point: it routes a terminal
// agent to completion or failure processing when the agent is a workflow node.
func (e *Engine) HandleAgentTerminal(ctx context.Context, agent *db.Agent) {
	node, err := e.client.GetNodeByAgent(ctx, agent.ID)
	if err != nil {
		e.logger.Error("Failed to look up workflow node for agent",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
		return
	}
	if node == nil {
		return
	}

	switch agent.Status {
	case db.AgentStatusCompleted:
		err = e.ProcessCompletedNode(ctx, agent.ID, resultEnvelope(agent.Result))
	case db.AgentStatusFailed:
		err = e.ProcessFailedNode(ctx, agent.ID, errText(agent.Error, "agent failed"))
	case db.AgentStatusTerminated:
		err = e.ProcessFailedNode(ctx, agent.ID, errText(agent.Error, "agent terminated"))
	default:
		return
	}
	if err != nil {
		e.logger.Error("Failed to process terminal workflow node",
			zap.String("agent_id", agent.ID.String()),
			zap.String("node_key", node.NodeKey),
			zap.Error(err))
	}
}

// TerminateWorkflow stops a graph: executing nodes are released and their
// agent trees terminated, untouched nodes become skipped, and the graph is
// marked failed. Terminating a finished graph is a no-op.
func (e *Engine) TerminateWorkflow(ctx context.Context, graphID uuid.UUID) error {
	graph, err := e.client.GetGraph(ctx, graphID)
	if err != nil {
		return err
	}
	if graph == nil {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	if graph.Status == db.GraphStatusCompleted || graph.Status == db.GraphStatusFailed {
		return nil
	}

	res, err := e.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_graphs SET status = 'failed', completed_at = now()
		WHERE id = $1 AND status IN ('active', 'paused')`,
		graphID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark graph terminated: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		e.graphFinished(graphID, db.GraphStatusFailed)
	}

	nodes, err := e.client.GetGraphNodes(ctx, graphID)
	if err != nil {
		return err
	}

	released := 0
	for _, node := range nodes {
		switch node.ExecutionStatus {
		case db.NodeStatusExecuting, db.NodeStatusSpawning:
			// Release the node first so the agent's terminal hook finds
			// nothing executing and stays a no-op
			res, err := e.client.Wrapper().ExecContext(ctx, `
				UPDATE workflow_nodes
				SET execution_status = 'skipped', error_message = 'workflow terminated', completion_timestamp = now()
				WHERE id = $1 AND execution_status IN ('executing', 'spawning')`,
				node.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to release node %s: %w", node.NodeKey, err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				continue
			}
			released++
			if node.AgentID != nil {
				if _, err := e.spawner.TerminateTree(ctx, *node.AgentID, "workflow terminated"); err != nil {
					e.logger.Warn("Failed to terminate node agent",
						zap.String("agent_id", node.AgentID.String()),
						zap.String("node_key", node.NodeKey),
						zap.Error(err))
				}
			}
		case db.NodeStatusPending, db.NodeStatusReady:
			if _, err := e.client.Wrapper().ExecContext(ctx, `
				UPDATE workflow_nodes
				SET execution_status = 'skipped', error_message = 'workflow terminated', completion_timestamp = now()
				WHERE id = $1 AND execution_status IN ('pending', 'ready')`,
				node.ID,
			); err != nil {
				return fmt.Errorf("failed to skip node %s: %w", node.NodeKey, err)
			}
		}
	}

	e.logger.Info("Workflow terminated",
		zap.String("graph_id", graphID.String()),
		zap.Int("released", released),
		zap.Int("total_nodes", len(nodes)),
	)
	return nil
}

// PauseWorkflow stops further frontier spawns. Executing nodes finish.
func (e *Engine) PauseWorkflow(ctx context.Context, graphID uuid.UUID) error {
	res, err := e.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_graphs SET status = 'paused'
		WHERE id = $1 AND status = 'active'`,
		graphID,
	)
	if err != nil {
		return fmt.Errorf("failed to pause graph: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return e.classifyGraphFailure(ctx, graphID)
	}
	return nil
}

// ResumeWorkflow reactivates a paused graph and immediately advances it, so
// completions that landed while paused take effect.
func (e *Engine) ResumeWorkflow(ctx context.Context, graphID uuid.UUID) error {
	res, err := e.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_graphs SET status = 'active'
		WHERE id = $1 AND status = 'paused'`,
		graphID,
	)
	if err != nil {
		return fmt.Errorf("failed to resume graph: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return e.classifyGraphFailure(ctx, graphID)
	}
	_, err = e.advanceGraph(ctx, graphID)
	return err
}

func (e *Engine) classifyGraphFailure(ctx context.Context, graphID uuid.UUID) error {
	graph, err := e.client.GetGraph(ctx, graphID)
	if err != nil {
		return err
	}
	if graph == nil {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	return fmt.Errorf("%w: status is %s", ErrGraphNotActive, graph.Status)
}

// advanceGraph spawns every node whose dependencies are all completed and
// finalizes the graph when no node can move anymore. Safe to call from any
// path at any time.
func (e *Engine) advanceGraph(ctx context.Context, graphID uuid.UUID) (int, error) {
	graph, err := e.client.GetGraph(ctx, graphID)
	if err != nil {
		return 0, err
	}
	if graph == nil || graph.Status != db.GraphStatusActive {
		return 0, nil
	}

	nodes, err := e.client.GetGraphNodes(ctx, graphID)
	if err != nil {
		return 0, err
	}

	results := make(map[string]db.JSONB, len(nodes))
	nonTerminal := 0
	for _, node := range nodes {
		if node.ExecutionStatus == db.NodeStatusCompleted {
			results[node.NodeKey] = node.Result
		}
		if !db.IsTerminalNodeStatus(node.ExecutionStatus) {
			nonTerminal++
		}
	}

	spawned := 0
	for _, node := range nodes {
		if node.ExecutionStatus != db.NodeStatusPending {
			continue
		}
		ready := true
		for _, dep := range node.Dependencies {
			if _, ok := results[dep]; !ok {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		task := node.TaskDescription
		if len(node.Dependencies) > 0 {
			task = enhanceTask(task, node.Dependencies, results)
		}
		if err := e.spawnNode(ctx, graphID, node, graph.ParentAgentID, task); err != nil {
			return spawned, err
		}
		spawned++
	}

	if nonTerminal == 0 && len(nodes) > 0 {
		if err := e.finalizeGraph(ctx, graphID, nodes); err != nil {
			return spawned, err
		}
	}
	return spawned, nil
}

// finalizeGraph settles a graph whose nodes are all terminal: completed when
// every node completed, failed otherwise.
func (e *Engine) finalizeGraph(ctx context.Context, graphID uuid.UUID, nodes []*db.WorkflowNode) error {
	allCompleted := true
	for _, node := range nodes {
		if node.ExecutionStatus != db.NodeStatusCompleted {
			allCompleted = false
			break
		}
	}

	if allCompleted {
		res, err := e.client.Wrapper().ExecContext(ctx, `
			UPDATE workflow_graphs SET status = 'completed', completed_at = now()
			WHERE id = $1 AND status = 'active'`,
			graphID,
		)
		if err != nil {
			return fmt.Errorf("failed to complete graph: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			e.logger.Info("Workflow completed", zap.String("graph_id", graphID.String()))
			e.graphFinished(graphID, db.GraphStatusCompleted)
		}
		return nil
	}

	e.failGraph(ctx, graphID)
	return nil
}

func (e *Engine) failGraph(ctx context.Context, graphID uuid.UUID) {
	res, err := e.client.Wrapper().ExecContext(ctx, `
		UPDATE workflow_graphs SET status = 'failed', completed_at = now()
		WHERE id = $1 AND status IN ('active', 'paused')`,
		graphID,
	)
	if err != nil {
		e.logger.Error("Failed to mark graph failed",
			zap.String("graph_id", graphID.String()),
			zap.Error(err))
		return
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		e.logger.Warn("Workflow failed", zap.String("graph_id", graphID.String()))
		e.graphFinished(graphID, db.GraphStatusFailed)
	}
}

// graphFinished reports a settled graph to metrics and the event stream.
func (e *Engine) graphFinished(graphID uuid.UUID, status string) {
	metrics.WorkflowsFinished.WithLabelValues(status).Inc()
	e.events.Publish(streaming.GraphScope(graphID), streaming.Event{
		Type:    streaming.TypeGraphFinished,
		GraphID: graphID.String(),
		Payload: map[string]interface{}{"status": status},
	})
}

// skipDependents marks every not-yet-started transitive dependent of the
// given node as skipped. Returns how many nodes were skipped.
func (e *Engine) skipDependents(ctx context.Context, graphID uuid.UUID, sourceKey string) (int, error) {
	nodes, err := e.client.GetGraphNodes(ctx, graphID)
	if err != nil {
		return 0, err
	}

	dependents := make(map[string][]string, len(nodes))
	byKey := make(map[string]*db.WorkflowNode, len(nodes))
	for _, node := range nodes {
		byKey[node.NodeKey] = node
		for _, dep := range node.Dependencies {
			dependents[dep] = append(dependents[dep], node.NodeKey)
		}
	}

	skipped := 0
	queue := []string{sourceKey}
	visited := map[string]struct{}{sourceKey: {}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, key := range dependents[current] {
			if _, ok := visited[key]; ok {
				continue
			}
			visited[key] = struct{}{}
			queue = append(queue, key)

			node := byKey[key]
			if node.ExecutionStatus != db.NodeStatusPending && node.ExecutionStatus != db.NodeStatusReady {
				continue
			}
			res, err := e.client.Wrapper().ExecContext(ctx, `
				UPDATE workflow_nodes
				SET execution_status = 'skipped', error_message = $2, completion_timestamp = now()
				WHERE id = $1 AND execution_status IN ('pending', 'ready')`,
				node.ID, fmt.Sprintf("upstream node %q failed", sourceKey),
			)
			if err != nil {
				return skipped, fmt.Errorf("failed to skip node %s: %w", key, err)
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				skipped++
			}
		}
	}
	return skipped, nil
}

// enhanceTask appends serialized dependency results to a task description,
// in dependency-list order.
func enhanceTask(task string, deps []string, results map[string]db.JSONB) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nDependency outputs:\n")
	for _, dep := range deps {
		raw, err := json.Marshal(results[dep])
		if err != nil {
			raw = []byte("{}")
		}
		fmt.Fprintf(&b, "- %s: %s\n", dep, raw)
	}
	return b.String()
}

// resultEnvelope turns an agent's raw result text into the node result
// payload: JSON objects pass through, anything else is wrapped.
func resultEnvelope(raw *string) db.JSONB {
	if raw == nil || *raw == "" {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(*raw), &obj); err == nil {
		return db.JSONB(obj)
	}
	return db.JSONB{"output": *raw}
}

func errText(err *string, fallback string) string {
	if err != nil && *err != "" {
		return *err
	}
	return fallback
}
