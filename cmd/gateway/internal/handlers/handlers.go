// Package handlers implements the public control API: agent lifecycle,
// messaging, workflow, auth and health endpoints. Handlers translate HTTP
// into service calls and map service sentinels onto status codes; all
// business rules live in the internal packages.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/mailbox"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/workflow"
)

// requestTimeout bounds every store-backed handler call.
const requestTimeout = 15 * time.Second

// ErrorResponse is the error body every endpoint returns on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// agentView is the wire shape of an agent.
type agentView struct {
	ID                  string     `json:"id"`
	Role                string     `json:"role"`
	Task                string     `json:"task"`
	Status              string     `json:"status"`
	ControlState        string     `json:"control_state"`
	Depth               int        `json:"depth"`
	ParentID            *string    `json:"parent_id,omitempty"`
	TokensUsed          int        `json:"tokens_used"`
	ExecutionDurationMs int64      `json:"execution_duration_ms,omitempty"`
	Result              *string    `json:"result,omitempty"`
	Error               *string    `json:"error,omitempty"`
	ModelHint           *string    `json:"model_hint,omitempty"`
	WorkspacePath       *string    `json:"workspace_path,omitempty"`
	Metadata            db.JSONB   `json:"metadata,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func agentToView(a *db.Agent) agentView {
	v := agentView{
		ID:                  a.ID.String(),
		Role:                a.Role,
		Task:                a.Task,
		Status:              a.Status,
		ControlState:        a.ControlState,
		Depth:               a.DepthLevel,
		TokensUsed:          a.TokensUsed,
		ExecutionDurationMs: a.ExecutionDurationMs,
		Result:              a.Result,
		Error:               a.Error,
		ModelHint:           a.ModelHint,
		WorkspacePath:       a.WorkspacePath,
		Metadata:            a.Metadata,
		CreatedAt:           a.CreatedAt,
		StartedAt:           a.StartedAt,
		CompletedAt:         a.CompletedAt,
	}
	if a.ParentID != nil {
		s := a.ParentID.String()
		v.ParentID = &s
	}
	return v
}

// treeView nests agent views along hierarchy edges.
type treeView struct {
	Agent    agentView   `json:"agent"`
	Children []*treeView `json:"children,omitempty"`
}

func treeToView(n *hierarchy.TreeNode) *treeView {
	if n == nil {
		return nil
	}
	v := &treeView{Agent: agentToView(n.Agent)}
	for _, child := range n.Children {
		v.Children = append(v.Children, treeToView(child))
	}
	return v
}

// messageView is the wire shape of a queued message.
type messageView struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Payload     db.JSONB   `json:"payload"`
	Priority    int        `json:"priority"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func messageToView(m *db.Message) messageView {
	return messageView{
		ID:          m.ID.String(),
		SenderID:    m.SenderID.String(),
		RecipientID: m.RecipientID.String(),
		Payload:     m.Payload,
		Priority:    m.Priority,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
		ProcessedAt: m.ProcessedAt,
	}
}

// graphView is the wire shape of a workflow graph.
type graphView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      *string    `json:"description,omitempty"`
	TemplateID       *string    `json:"template_id,omitempty"`
	ParentAgentID    *string    `json:"parent_agent_id,omitempty"`
	Status           string     `json:"status"`
	ValidationStatus string     `json:"validation_status"`
	ValidationErrors db.JSONB   `json:"validation_errors,omitempty"`
	TotalNodes       int        `json:"total_nodes"`
	TotalEdges       int        `json:"total_edges"`
	EstimatedBudget  *int       `json:"estimated_budget,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func graphToView(g *db.WorkflowGraph) graphView {
	v := graphView{
		ID:               g.ID.String(),
		Name:             g.Name,
		Description:      g.Description,
		Status:           g.Status,
		ValidationStatus: g.ValidationStatus,
		ValidationErrors: g.ValidationErrors,
		TotalNodes:       g.TotalNodes,
		TotalEdges:       g.TotalEdges,
		EstimatedBudget:  g.EstimatedBudget,
		CreatedAt:        g.CreatedAt,
		ValidatedAt:      g.ValidatedAt,
		CompletedAt:      g.CompletedAt,
	}
	if g.TemplateID != nil {
		s := g.TemplateID.String()
		v.TemplateID = &s
	}
	if g.ParentAgentID != nil {
		s := g.ParentAgentID.String()
		v.ParentAgentID = &s
	}
	return v
}

// nodeView is the wire shape of a workflow node.
type nodeView struct {
	NodeKey         string     `json:"node_key"`
	Role            string     `json:"role"`
	TaskDescription string     `json:"task_description"`
	Budget          int        `json:"budget"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	ExecutionStatus string     `json:"execution_status"`
	AgentID         *string    `json:"agent_id,omitempty"`
	Result          db.JSONB   `json:"result,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	SpawnedAt       *time.Time `json:"spawned_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func nodeToView(n *db.WorkflowNode) nodeView {
	v := nodeView{
		NodeKey:         n.NodeKey,
		Role:            n.Role,
		TaskDescription: n.TaskDescription,
		Budget:          n.BudgetAllocation,
		Dependencies:    n.Dependencies,
		ExecutionStatus: n.ExecutionStatus,
		Result:          n.Result,
		ErrorMessage:    n.ErrorMessage,
		SpawnedAt:       n.SpawnTimestamp,
		CompletedAt:     n.CompletionTimestamp,
	}
	if n.AgentID != nil {
		s := n.AgentID.String()
		v.AgentID = &s
	}
	return v
}

// templateView is the wire shape of a workflow template.
type templateView struct {
	ID                   uuid.UUID           `json:"id"`
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	Category             *string             `json:"category,omitempty"`
	NodeTemplates        db.NodeTemplateList `json:"node_templates"`
	EdgePatterns         db.EdgePatternList  `json:"edge_patterns"`
	TotalEstimatedBudget int                 `json:"total_estimated_budget"`
	MinBudgetRequired    int                 `json:"min_budget_required"`
	ComplexityRating     float64             `json:"complexity_rating"`
	UsageCount           int                 `json:"usage_count"`
	Enabled              bool                `json:"enabled"`
}

func templateToView(t *db.WorkflowTemplate) templateView {
	return templateView{
		ID:                   t.ID,
		Name:                 t.Name,
		Description:          t.Description,
		Category:             t.Category,
		NodeTemplates:        t.NodeTemplates,
		EdgePatterns:         t.EdgePatterns,
		TotalEstimatedBudget: t.TotalEstimatedBudget,
		MinBudgetRequired:    t.MinBudgetRequired,
		ComplexityRating:     t.ComplexityRating,
		UsageCount:           t.UsageCount,
		Enabled:              t.Enabled,
	}
}

// serviceStatus maps service sentinels onto HTTP status codes. Unrecognized
// errors are internal faults.
func serviceStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrAgentNotFound),
		errors.Is(err, budget.ErrBudgetNotFound),
		errors.Is(err, mailbox.ErrUnknownAgent),
		errors.Is(err, workflow.ErrTemplateNotFound),
		errors.Is(err, workflow.ErrGraphNotFound):
		return http.StatusNotFound
	case errors.Is(err, hierarchy.ErrMaxDepthExceeded),
		errors.Is(err, workflow.ErrInsufficientBudget),
		errors.Is(err, workflow.ErrDependencyMissing):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrSpawnDenied):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrParentTerminal),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, hierarchy.ErrCycleDetected),
		errors.Is(err, budget.ErrBudgetExhausted),
		errors.Is(err, workflow.ErrTemplateDisabled),
		errors.Is(err, workflow.ErrGraphInvalid),
		errors.Is(err, workflow.ErrGraphNotActive):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrWorkspaceUnavailable),
		errors.Is(err, db.ErrStoreConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON writes a JSON response with the given status.
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendError writes a JSON error body.
func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, ErrorResponse{Error: msg})
}

// sendServiceError maps a service error and sends it. 4xx responses carry
// the error text; 5xx responses stay generic so internals never leak.
func sendServiceError(w http.ResponseWriter, err error) {
	status := serviceStatus(err)
	if status >= http.StatusInternalServerError {
		sendError(w, status, http.StatusText(status))
		return
	}
	sendError(w, status, err.Error())
}

// pathUUID parses the {id} path segment, answering 400 on garbage.
func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON request body, answering 400 on garbage.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
