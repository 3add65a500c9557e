package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Agent statuses. Terminal statuses are absorbing.
const (
	AgentStatusPending    = "pending"
	AgentStatusExecuting  = "executing"
	AgentStatusCompleted  = "completed"
	AgentStatusFailed     = "failed"
	AgentStatusTerminated = "terminated"
)

// Agent control states, orthogonal to status.
const (
	ControlStateRunning     = "running"
	ControlStatePaused      = "paused"
	ControlStateTerminating = "terminating"
	ControlStateTerminated  = "terminated"
)

// Message statuses.
const (
	MessageStatusPending   = "pending"
	MessageStatusDelivered = "delivered"
	MessageStatusProcessed = "processed"
)

// Workflow graph statuses.
const (
	GraphStatusActive    = "active"
	GraphStatusPaused    = "paused"
	GraphStatusCompleted = "completed"
	GraphStatusFailed    = "failed"
)

// Graph validation statuses.
const (
	ValidationPending   = "pending"
	ValidationValidated = "validated"
	ValidationInvalid   = "invalid"
)

// Workflow node execution statuses. Terminal: completed, failed, skipped.
const (
	NodeStatusPending   = "pending"
	NodeStatusReady     = "ready"
	NodeStatusSpawning  = "spawning"
	NodeStatusExecuting = "executing"
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
	NodeStatusSkipped   = "skipped"
)

// IsTerminalAgentStatus reports whether status is absorbing for agents.
func IsTerminalAgentStatus(status string) bool {
	switch status {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusTerminated:
		return true
	}
	return false
}

// IsTerminalNodeStatus reports whether status is absorbing for workflow nodes.
func IsTerminalNodeStatus(status string) bool {
	switch status {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}

// Agent is the orchestrator-tracked unit of work
type Agent struct {
	ID           uuid.UUID  `db:"id"`
	Role         string     `db:"role"`
	Task         string     `db:"task"`
	Status       string     `db:"status"`
	ControlState string     `db:"control_state"`
	DepthLevel   int        `db:"depth_level"`
	ParentID     *uuid.UUID `db:"parent_id"`

	// Execution accounting
	TokensUsed          int    `db:"tokens_used"`
	ExecutionDurationMs int64  `db:"execution_duration_ms"`
	Result              *string `db:"result"`
	Error               *string `db:"error"`
	ModelHint           *string `db:"model_hint"`

	// Workspace binding
	WorkspacePath *string `db:"workspace_path"`
	WorkspaceTag  *string `db:"workspace_tag"`

	Metadata    JSONB      `db:"metadata"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Budget is the per-agent token ledger, 1:1 with agents
type Budget struct {
	AgentID   uuid.UUID `db:"agent_id"`
	Allocated int       `db:"allocated"`
	Used      int       `db:"used"`
	Reserved  int       `db:"reserved"`
	Reclaimed bool      `db:"reclaimed"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Available returns allocated - used - reserved, the spawnable headroom.
func (b *Budget) Available() int {
	return b.Allocated - b.Used - b.Reserved
}

// HierarchyEdge is the parent/child query-acceleration edge; the
// authoritative link is agents.parent_id
type HierarchyEdge struct {
	ParentID  uuid.UUID `db:"parent_id"`
	ChildID   uuid.UUID `db:"child_id"`
	CreatedAt time.Time `db:"created_at"`
}

// Message is one durable queue entry between two agents
type Message struct {
	ID          uuid.UUID  `db:"id"`
	SenderID    uuid.UUID  `db:"sender_id"`
	RecipientID uuid.UUID  `db:"recipient_id"`
	Payload     JSONB      `db:"payload"`
	Priority    int        `db:"priority"`
	Status      string     `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	DeliveredAt *time.Time `db:"delivered_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// NodeTemplate is one node blueprint inside a workflow template
type NodeTemplate struct {
	NodeID           string   `json:"node_id"`
	Role             string   `json:"role"`
	TaskTemplate     string   `json:"task_template"`
	BudgetPercentage float64  `json:"budget_percentage"`
	Dependencies     []string `json:"dependencies,omitempty"`
	Position         int      `json:"position"`
}

// EdgePattern mirrors node dependencies for visualization
type EdgePattern struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
}

// NodeTemplateList is a jsonb array of node templates
type NodeTemplateList []NodeTemplate

func (l NodeTemplateList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

func (l *NodeTemplateList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into NodeTemplateList", value)
	}
	return json.Unmarshal(bytes, l)
}

// EdgePatternList is a jsonb array of edge patterns
type EdgePatternList []EdgePattern

func (l EdgePatternList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

func (l *EdgePatternList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into EdgePatternList", value)
	}
	return json.Unmarshal(bytes, l)
}

// WorkflowTemplate is a reusable graph blueprint
type WorkflowTemplate struct {
	ID          uuid.UUID `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Category    *string   `db:"category"`

	NodeTemplates NodeTemplateList `db:"node_templates"`
	EdgePatterns  EdgePatternList  `db:"edge_patterns"`

	TotalEstimatedBudget int      `db:"total_estimated_budget"`
	ComplexityRating     float64  `db:"complexity_rating"`
	MinBudgetRequired    int      `db:"min_budget_required"`
	UsageCount           int      `db:"usage_count"`
	SuccessRate          *float64 `db:"success_rate"`
	Enabled              bool     `db:"enabled"`
	CreatedBy            *string  `db:"created_by"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// WorkflowGraph is an instantiated DAG of agent specifications
type WorkflowGraph struct {
	ID               uuid.UUID  `db:"id"`
	Name             string     `db:"name"`
	Description      *string    `db:"description"`
	TemplateID       *uuid.UUID `db:"template_id"`
	ParentAgentID    *uuid.UUID `db:"parent_agent_id"`
	Status           string     `db:"status"`
	ValidationStatus string     `db:"validation_status"`
	ValidationErrors JSONB      `db:"validation_errors"`

	TotalNodes       int      `db:"total_nodes"`
	TotalEdges       int      `db:"total_edges"`
	EstimatedBudget  *int     `db:"estimated_budget"`
	ComplexityRating *float64 `db:"complexity_rating"`

	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	ValidatedAt *time.Time `db:"validated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// WorkflowNode is one node of a graph; becomes an agent when spawned
type WorkflowNode struct {
	ID              uuid.UUID  `db:"id"`
	WorkflowGraphID uuid.UUID  `db:"workflow_graph_id"`
	NodeKey         string     `db:"node_key"`
	AgentID         *uuid.UUID `db:"agent_id"`

	Role             string         `db:"role"`
	TaskDescription  string         `db:"task_description"`
	BudgetAllocation int            `db:"budget_allocation"`
	Dependencies     pq.StringArray `db:"dependencies"`

	ExecutionStatus     string     `db:"execution_status"`
	SpawnTimestamp      *time.Time `db:"spawn_timestamp"`
	CompletionTimestamp *time.Time `db:"completion_timestamp"`
	Result              JSONB      `db:"result"`
	ErrorMessage        *string    `db:"error_message"`

	Position  int       `db:"position"`
	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TokenUsage is an append-only executor accounting record
type TokenUsage struct {
	ID      int64      `db:"id"`
	AgentID uuid.UUID  `db:"agent_id"`
	GraphID *uuid.UUID `db:"graph_id"`

	Model        string  `db:"model"`
	InputTokens  int     `db:"input_tokens"`
	OutputTokens int     `db:"output_tokens"`
	TotalTokens  int     `db:"total_tokens"`
	CostUSD      float64 `db:"cost_usd"`
	DurationMs   int64   `db:"duration_ms"`

	CreatedAt time.Time `db:"created_at"`
}

// AuditLog records control-plane actions
type AuditLog struct {
	ID         uuid.UUID  `db:"id"`
	UserID     *uuid.UUID `db:"user_id"`
	Action     string     `db:"action"`
	EntityType string     `db:"entity_type"`
	EntityID   string     `db:"entity_id"`

	IPAddress string `db:"ip_address"`
	RequestID string `db:"request_id"`

	Details   JSONB     `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}

// AgentFilter provides filtering options for agent queries
type AgentFilter struct {
	Status   *string
	Role     *string
	ParentID *uuid.UUID
	RootOnly bool
	Limit    int
	Offset   int
}
