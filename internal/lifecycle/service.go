// Package lifecycle owns agent state: spawn, status transitions, and
// termination cascades. Every mutation is transactional; terminal
// transitions reclaim budget in the same transaction and fire registered
// hooks after commit.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/streaming"
)

var (
	// ErrAgentNotFound means the agent id does not exist.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidTransition rejects a status move the lifecycle graph forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrParentTerminal rejects spawning under an agent that already finished.
	ErrParentTerminal = errors.New("parent agent is terminal")
	// ErrWorkspaceUnavailable means workspace isolation could not be set up.
	ErrWorkspaceUnavailable = errors.New("workspace unavailable")
)

// SpawnRequest carries everything needed to create an agent. Source names
// the origin of the spawn (api, workflow, tracker) and is set by the caller
// inside the orchestrator, never from the wire.
type SpawnRequest struct {
	Role      string     `json:"role"`
	Task      string     `json:"task"`
	Budget    int        `json:"budget"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	ModelHint string     `json:"model_hint,omitempty"`
	Metadata  db.JSONB   `json:"metadata,omitempty"`
	Source    string     `json:"-"`
}

// AdmissionRequest is what the policy gate sees per spawn.
type AdmissionRequest struct {
	Role     string
	Task     string
	Budget   int
	ParentID *uuid.UUID
	Depth    int
	Source   string
}

// Admitter gates spawns. Implementations decide; a nil admitter admits all.
type Admitter interface {
	AdmitSpawn(ctx context.Context, req AdmissionRequest) error
}

// WorkspaceManager provisions and tears down per-agent isolation.
type WorkspaceManager interface {
	Create(ctx context.Context, agentID uuid.UUID) (path, tag string, err error)
	Cleanup(ctx context.Context, agentID uuid.UUID, path string) error
}

// TerminalHook runs after a terminal transition commits. Hooks must be quick;
// anything slow belongs on a queue.
type TerminalHook func(ctx context.Context, agent *db.Agent)

// Service is the agent lifecycle service.
type Service struct {
	client    *db.Client
	hierarchy *hierarchy.Service
	budget    *budget.Manager
	logger    *zap.Logger

	admitter   Admitter
	workspaces WorkspaceManager
	events     *streaming.Manager

	hooksMu sync.RWMutex
	hooks   []TerminalHook
}

// NewService creates the lifecycle service.
func NewService(client *db.Client, hier *hierarchy.Service, budgetMgr *budget.Manager, logger *zap.Logger) *Service {
	return &Service{
		client:    client,
		hierarchy: hier,
		budget:    budgetMgr,
		logger:    logger,
	}
}

// SetAdmitter installs the policy gate for spawns.
func (s *Service) SetAdmitter(a Admitter) {
	s.admitter = a
}

// SetWorkspaceManager installs per-agent workspace isolation.
func (s *Service) SetWorkspaceManager(w WorkspaceManager) {
	s.workspaces = w
}

// SetEvents attaches the streaming hub. Lifecycle transitions publish
// there; a nil manager publishes nowhere.
func (s *Service) SetEvents(m *streaming.Manager) {
	s.events = m
}

// RegisterTerminalHook adds a callback fired after every committed terminal
// transition. Registration order is invocation order.
func (s *Service) RegisterTerminalHook(hook TerminalHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Spawn creates an agent with its budget and hierarchy edge in one
// transaction. Parent validation, the cycle check, and the depth limit run
// first; the parent's headroom is validated again under its budget row lock
// inside the transaction, and the reserve trigger plus the headroom check
// constraint backstop anything that slips past.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*db.Agent, error) {
	if req.Role == "" {
		return nil, fmt.Errorf("role is required")
	}
	if req.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if req.Budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", req.Budget)
	}

	id := uuid.New()
	depth := 0

	if req.ParentID != nil {
		parent, err := s.client.GetAgent(ctx, *req.ParentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent: %w", err)
		}
		if parent == nil {
			return nil, fmt.Errorf("%w: parent %s", ErrAgentNotFound, req.ParentID)
		}
		if db.IsTerminalAgentStatus(parent.Status) {
			return nil, fmt.Errorf("%w: %s is %s", ErrParentTerminal, parent.ID, parent.Status)
		}

		cycle, err := s.hierarchy.WouldCreateCycle(ctx, *req.ParentID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to check hierarchy: %w", err)
		}
		if cycle {
			return nil, hierarchy.ErrCycleDetected
		}

		depth = parent.DepthLevel + 1
		if depth > s.hierarchy.MaxDepth() {
			return nil, fmt.Errorf("%w: depth %d exceeds limit %d",
				hierarchy.ErrMaxDepthExceeded, depth, s.hierarchy.MaxDepth())
		}
	}

	if s.admitter != nil {
		source := req.Source
		if source == "" {
			source = "api"
		}
		if err := s.admitter.AdmitSpawn(ctx, AdmissionRequest{
			Role:     req.Role,
			Task:     req.Task,
			Budget:   req.Budget,
			ParentID: req.ParentID,
			Depth:    depth,
			Source:   source,
		}); err != nil {
			return nil, err
		}
	}

	agent := &db.Agent{
		ID:           id,
		Role:         req.Role,
		Task:         req.Task,
		Status:       db.AgentStatusPending,
		ControlState: db.ControlStateRunning,
		DepthLevel:   depth,
		ParentID:     req.ParentID,
		Metadata:     req.Metadata,
	}
	if req.ModelHint != "" {
		agent.ModelHint = &req.ModelHint
	}

	var workspacePath string
	if s.workspaces != nil {
		path, tag, err := s.workspaces.Create(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkspaceUnavailable, err)
		}
		workspacePath = path
		agent.WorkspacePath = &path
		agent.WorkspaceTag = &tag
	}

	err := s.client.WithTransaction(ctx, func(tx *sql.Tx) error {
		if req.ParentID != nil {
			// Re-check under lock: the unlocked read above can race a
			// concurrent terminal transition of the parent.
			var parentStatus string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM agents WHERE id = $1 FOR UPDATE`,
				*req.ParentID,
			).Scan(&parentStatus)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: parent %s", ErrAgentNotFound, req.ParentID)
			}
			if err != nil {
				return fmt.Errorf("failed to lock parent: %w", err)
			}
			if db.IsTerminalAgentStatus(parentStatus) {
				return fmt.Errorf("%w: %s is %s", ErrParentTerminal, req.ParentID, parentStatus)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, role, task, status, control_state, depth_level,
			                    parent_id, model_hint, workspace_path, workspace_tag, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			agent.ID, agent.Role, agent.Task, agent.Status, agent.ControlState, agent.DepthLevel,
			agent.ParentID, agent.ModelHint, agent.WorkspacePath, agent.WorkspaceTag, agent.Metadata,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}

		if err := s.budget.AllocateTx(ctx, tx, agent.ID, req.Budget, req.ParentID); err != nil {
			return err
		}

		if req.ParentID != nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO hierarchy (parent_id, child_id) VALUES ($1, $2)`,
				*req.ParentID, agent.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to insert hierarchy edge: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if workspacePath != "" {
			if cleanupErr := s.workspaces.Cleanup(ctx, id, workspacePath); cleanupErr != nil {
				s.logger.Warn("Failed to clean up workspace after aborted spawn",
					zap.String("agent_id", id.String()),
					zap.Error(cleanupErr))
			}
		}
		if db.IsCheckViolation(err) {
			return nil, fmt.Errorf("%w: %v", budget.ErrBudgetExhausted, err)
		}
		return nil, err
	}

	s.logger.Info("Agent spawned",
		zap.String("agent_id", agent.ID.String()),
		zap.String("role", agent.Role),
		zap.Int("budget", req.Budget),
		zap.Int("depth", depth),
	)
	metrics.RecordSpawn(agent.Role)
	s.events.Publish(streaming.AgentScope(agent.ID), streaming.Event{
		Type:    streaming.TypeAgentSpawned,
		AgentID: agent.ID.String(),
		Payload: map[string]interface{}{
			"role":   agent.Role,
			"depth":  depth,
			"budget": req.Budget,
		},
	})
	return agent, nil
}

// Get loads an agent or reports ErrAgentNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	agent, err := s.client.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return agent, nil
}

// List proxies filtered agent listing for the control surfaces.
func (s *Service) List(ctx context.Context, filter db.AgentFilter) ([]*db.Agent, error) {
	return s.client.ListAgents(ctx, filter)
}

// UpdateStatus moves an agent along the lifecycle graph. Allowed moves:
// pending→executing, and any non-terminal status into a terminal one.
// Terminal transitions set completed_at, reclaim budget in the same
// transaction, and fire the terminal hooks after commit.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus string) (*db.Agent, error) {
	switch newStatus {
	case db.AgentStatusExecuting:
		return s.markExecuting(ctx, id)
	case db.AgentStatusCompleted, db.AgentStatusFailed, db.AgentStatusTerminated:
		return s.markTerminal(ctx, id, newStatus, nil)
	case db.AgentStatusPending:
		return nil, fmt.Errorf("%w: cannot move back to pending", ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("unknown status %q", newStatus)
	}
}

// MarkFailed is a terminal transition that also records the failure message.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*db.Agent, error) {
	return s.markTerminal(ctx, id, db.AgentStatusFailed, &reason)
}

func (s *Service) markExecuting(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	row, err := s.client.Wrapper().QueryRowContext(ctx, `
		UPDATE agents
		SET status = 'executing', started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+db.AgentColumns,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark executing: %w", err)
	}
	agent, err := db.ScanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, s.classifyTransitionFailure(ctx, id, db.AgentStatusExecuting)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark executing: %w", err)
	}

	metrics.RecordTransition(db.AgentStatusExecuting)
	s.events.Publish(streaming.AgentScope(agent.ID), streaming.Event{
		Type:    streaming.TypeAgentExecuting,
		AgentID: agent.ID.String(),
	})
	return agent, nil
}

// markTerminal performs the guarded terminal update and budget reclamation in
// one retryable transaction. The store trigger usually reclaims first within
// the same transaction; the explicit call covers paths with triggers off.
func (s *Service) markTerminal(ctx context.Context, id uuid.UUID, newStatus string, reason *string) (*db.Agent, error) {
	var agent *db.Agent

	err := s.client.WithRetryableTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE agents
			SET status = $2,
			    error = COALESCE($3, error),
			    control_state = CASE WHEN $2 = 'terminated' THEN 'terminated' ELSE control_state END,
			    completed_at = now(),
			    updated_at = now()
			WHERE id = $1 AND status NOT IN ('completed', 'failed', 'terminated')
			RETURNING `+db.AgentColumns,
			id, newStatus, reason,
		)
		var err error
		agent, err = db.ScanAgentRow(row)
		if err == sql.ErrNoRows {
			return s.classifyTransitionFailure(ctx, id, newStatus)
		}
		if err != nil {
			return fmt.Errorf("failed to mark %s: %w", newStatus, err)
		}

		if _, err := s.budget.ReclaimTx(ctx, tx, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Agent reached terminal state",
		zap.String("agent_id", id.String()),
		zap.String("status", newStatus),
	)
	s.afterTerminal(ctx, agent)
	return agent, nil
}

// ExecutionOutcome is what one executor call produced for an agent.
type ExecutionOutcome struct {
	Status     string
	Result     *string
	Error      *string
	TokensUsed int
	DurationMs int64
}

// FinishExecution commits an executor call's outcome in one transaction:
// the token charge, the result or error, the execution duration, and the
// terminal transition, with budget reclamation riding along. Only agents
// still in executing can finish; an agent terminated mid-flight fails the
// guard and the whole outcome rolls back, discarding the result. Returns
// the terminal agent and whether the charge exceeded the allocation.
func (s *Service) FinishExecution(ctx context.Context, id uuid.UUID, outcome ExecutionOutcome) (*db.Agent, bool, error) {
	if outcome.Status != db.AgentStatusCompleted && outcome.Status != db.AgentStatusFailed {
		return nil, false, fmt.Errorf("%w: execution can only finish completed or failed, got %q",
			ErrInvalidTransition, outcome.Status)
	}

	var agent *db.Agent
	var overBudget bool

	err := s.client.WithRetryableTransaction(ctx, func(tx *sql.Tx) error {
		agent = nil
		overBudget = false

		// Charge before the status flip so the reclamation trigger sees
		// the final used count.
		if outcome.TokensUsed > 0 {
			var err error
			overBudget, err = s.budget.ChargeTx(ctx, tx, id, outcome.TokensUsed)
			if err != nil {
				return err
			}
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE agents
			SET status = $2,
			    result = COALESCE($3, result),
			    error = COALESCE($4, error),
			    tokens_used = tokens_used + $5,
			    execution_duration_ms = $6,
			    completed_at = now(),
			    updated_at = now()
			WHERE id = $1 AND status = 'executing'
			RETURNING `+db.AgentColumns,
			id, outcome.Status, outcome.Result, outcome.Error, outcome.TokensUsed, outcome.DurationMs,
		)
		var err error
		agent, err = db.ScanAgentRow(row)
		if err == sql.ErrNoRows {
			return s.classifyTransitionFailure(ctx, id, outcome.Status)
		}
		if err != nil {
			return fmt.Errorf("failed to finish execution: %w", err)
		}

		if _, err := s.budget.ReclaimTx(ctx, tx, id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("Agent execution finished",
		zap.String("agent_id", id.String()),
		zap.String("status", outcome.Status),
		zap.Int("tokens_used", outcome.TokensUsed),
		zap.Int64("duration_ms", outcome.DurationMs),
	)
	s.afterTerminal(ctx, agent)
	return agent, overBudget, nil
}

// classifyTransitionFailure turns a zero-row guarded update into the right error.
func (s *Service) classifyTransitionFailure(ctx context.Context, id uuid.UUID, wanted string) error {
	current, err := s.client.GetAgent(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to inspect agent %s: %w", id, err)
	}
	if current == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.Status, wanted)
}

// afterTerminal runs post-commit cleanup, events, and hooks for a
// terminal agent.
func (s *Service) afterTerminal(ctx context.Context, agent *db.Agent) {
	if s.workspaces != nil && agent.WorkspacePath != nil {
		if err := s.workspaces.Cleanup(ctx, agent.ID, *agent.WorkspacePath); err != nil {
			s.logger.Warn("Workspace cleanup failed",
				zap.String("agent_id", agent.ID.String()),
				zap.String("path", *agent.WorkspacePath),
				zap.Error(err))
		}
	}

	metrics.RecordTransition(agent.Status)
	evt := streaming.Event{
		Type:    terminalEventType(agent.Status),
		AgentID: agent.ID.String(),
		Payload: map[string]interface{}{
			"role":        agent.Role,
			"tokens_used": agent.TokensUsed,
		},
	}
	if agent.Error != nil {
		evt.Message = *agent.Error
	}
	s.events.Publish(streaming.AgentScope(agent.ID), evt)

	s.hooksMu.RLock()
	hooks := make([]TerminalHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, agent)
	}
}

func terminalEventType(status string) string {
	switch status {
	case db.AgentStatusCompleted:
		return streaming.TypeAgentCompleted
	case db.AgentStatusFailed:
		return streaming.TypeAgentFailed
	default:
		return streaming.TypeAgentTerminated
	}
}

// Pause flips a non-terminal agent's control state so workers stop claiming
// its work. Status is untouched.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	return s.setControlState(ctx, id, db.ControlStatePaused)
}

// Resume reverses Pause.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	return s.setControlState(ctx, id, db.ControlStateRunning)
}

func (s *Service) setControlState(ctx context.Context, id uuid.UUID, state string) error {
	res, err := s.client.Wrapper().ExecContext(ctx, `
		UPDATE agents SET control_state = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'terminated')`,
		id, state,
	)
	if err != nil {
		return fmt.Errorf("failed to set control state: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return s.classifyTransitionFailure(ctx, id, state)
	}

	evtType := streaming.TypeAgentResumed
	if state == db.ControlStatePaused {
		evtType = streaming.TypeAgentPaused
	}
	s.events.Publish(streaming.AgentScope(id), streaming.Event{
		Type:    evtType,
		AgentID: id.String(),
	})
	return nil
}

// TerminateTree terminates every non-terminal agent in the subtree rooted at
// rootID, deepest first so each reclamation lands in a still-live parent and
// unused tokens propagate up level by level. Returns the number of agents
// transitioned.
func (s *Service) TerminateTree(ctx context.Context, rootID uuid.UUID, reason string) (int, error) {
	root, err := s.client.GetAgent(ctx, rootID)
	if err != nil {
		return 0, err
	}
	if root == nil {
		return 0, fmt.Errorf("%w: %s", ErrAgentNotFound, rootID)
	}

	descendants, err := s.hierarchy.Descendants(ctx, rootID)
	if err != nil {
		return 0, err
	}

	count := 0
	// Descendants come back shallowest first; walk them in reverse, root last.
	for i := len(descendants) - 1; i >= 0; i-- {
		terminated, err := s.terminateOne(ctx, descendants[i], reason)
		if err != nil {
			return count, err
		}
		if terminated {
			count++
		}
	}

	terminated, err := s.terminateOne(ctx, rootID, reason)
	if err != nil {
		return count, err
	}
	if terminated {
		count++
	}

	s.logger.Info("Subtree terminated",
		zap.String("root_id", rootID.String()),
		zap.String("reason", reason),
		zap.Int("terminated", count),
	)
	return count, nil
}

// terminateOne is markTerminal that treats already-terminal rows as a no-op
// instead of an error, which cascades need.
func (s *Service) terminateOne(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	_, err := s.markTerminal(ctx, id, db.AgentStatusTerminated, &reason)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
