package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/lifecycle"
)

// AgentHandler serves the agent lifecycle endpoints.
type AgentHandler struct {
	lifecycle *lifecycle.Service
	hierarchy *hierarchy.Service
	budget    *budget.Manager
	logger    *zap.Logger
}

// NewAgentHandler creates the agent handler.
func NewAgentHandler(lc *lifecycle.Service, hier *hierarchy.Service, mgr *budget.Manager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		lifecycle: lc,
		hierarchy: hier,
		budget:    mgr,
		logger:    logger,
	}
}

// SpawnAgentRequest creates one agent. ParentID absent means a root agent.
type SpawnAgentRequest struct {
	Role      string                 `json:"role"`
	Task      string                 `json:"task"`
	Budget    int                    `json:"budget"`
	ParentID  *uuid.UUID             `json:"parent_id,omitempty"`
	ModelHint string                 `json:"model_hint,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TerminateRequest carries the optional operator-supplied reason.
type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Spawn handles POST /api/v1/agents.
func (h *AgentHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Role == "" {
		sendError(w, http.StatusBadRequest, "role is required")
		return
	}
	if req.Task == "" {
		sendError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.Budget <= 0 {
		sendError(w, http.StatusBadRequest, "budget must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	agent, err := h.lifecycle.Spawn(ctx, lifecycle.SpawnRequest{
		Role:      req.Role,
		Task:      req.Task,
		Budget:    req.Budget,
		ParentID:  req.ParentID,
		ModelHint: req.ModelHint,
		Metadata:  db.JSONB(req.Metadata),
		Source:    "api",
	})
	if err != nil {
		h.logger.Warn("Spawn rejected",
			zap.String("role", req.Role),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusCreated, agentToView(agent))
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.AgentFilter{}
	if s := q.Get("status"); s != "" {
		filter.Status = &s
	}
	if role := q.Get("role"); role != "" {
		filter.Role = &role
	}
	if p := q.Get("parent_id"); p != "" {
		parentID, err := uuid.Parse(p)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid parent_id")
			return
		}
		filter.ParentID = &parentID
	}
	filter.RootOnly = q.Get("root_only") == "true"
	if s := q.Get("limit"); s != "" {
		filter.Limit, _ = strconv.Atoi(s)
	}
	if s := q.Get("offset"); s != "" {
		filter.Offset, _ = strconv.Atoi(s)
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	agents, err := h.lifecycle.List(ctx, filter)
	if err != nil {
		h.logger.Error("Failed to list agents", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentToView(a))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"agents": views,
		"count":  len(views),
	})
}

// Get handles GET /api/v1/agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	agent, err := h.lifecycle.Get(ctx, id)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, agentToView(agent))
}

// GetBudget handles GET /api/v1/agents/{id}/budget.
func (h *AgentHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	snapshot, err := h.budget.Snapshot(ctx, id)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":  snapshot.AgentID.String(),
		"allocated": snapshot.Allocated,
		"used":      snapshot.Used,
		"reserved":  snapshot.Reserved,
		"available": snapshot.Available(),
		"reclaimed": snapshot.Reclaimed,
	})
}

// GetTree handles GET /api/v1/agents/{id}/tree.
func (h *AgentHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	tree, err := h.hierarchy.Tree(ctx, id)
	if err != nil {
		h.logger.Error("Failed to assemble agent tree",
			zap.String("agent_id", id.String()), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to assemble tree")
		return
	}
	if tree == nil {
		sendError(w, http.StatusNotFound, "agent not found")
		return
	}
	sendJSON(w, http.StatusOK, treeToView(tree))
}

// Terminate handles POST /api/v1/agents/{id}/terminate. The whole subtree
// under the agent terminates with it, leaves first.
func (h *AgentHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	req := TerminateRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "terminated via api"
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	count, err := h.lifecycle.TerminateTree(ctx, id, req.Reason)
	if err != nil {
		h.logger.Warn("Terminate failed",
			zap.String("agent_id", id.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	h.logger.Info("Agent terminated via API",
		zap.String("agent_id", id.String()),
		zap.Int("terminated", count))
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":   id.String(),
		"terminated": count,
	})
}
