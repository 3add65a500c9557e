// Package httpapi serves the operational surface on the admin listener:
// probe endpoints, Prometheus metrics, read-only ops views and the
// tracker webhook.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/hierarchy"
	"github.com/droverhq/drover/internal/streaming"
	"github.com/droverhq/drover/internal/workflow"
)

const opsQueryTimeout = 10 * time.Second

// OpsHandler serves the read-only operational views: agent trees,
// workflow progress and persisted event timelines.
type OpsHandler struct {
	hierarchy *hierarchy.Service
	workflows *workflow.Service
	client    *db.Client
	logger    *zap.Logger
}

// NewOpsHandler creates the ops view handler.
func NewOpsHandler(h *hierarchy.Service, wf *workflow.Service, client *db.Client, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{hierarchy: h, workflows: wf, client: client, logger: logger}
}

// RegisterRoutes mounts the ops endpoints on mux.
func (h *OpsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ops/agents/{id}/tree", h.handleAgentTree)
	mux.HandleFunc("GET /ops/agents/{id}/timeline", h.handleAgentTimeline)
	mux.HandleFunc("GET /ops/workflows/{id}/progress", h.handleWorkflowProgress)
	mux.HandleFunc("GET /ops/workflows/{id}/timeline", h.handleWorkflowTimeline)
}

func (h *OpsHandler) handleAgentTree(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opsQueryTimeout)
	defer cancel()

	tree, err := h.hierarchy.Tree(ctx, id)
	if err != nil {
		h.logger.Error("Failed to assemble agent tree",
			zap.String("agent_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to assemble tree")
		return
	}
	if tree == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, treeToView(tree))
}

// agentOpsView is the agent shape served on the admin listener. It trims
// the row to what an operator triaging a run needs.
type agentOpsView struct {
	ID           string     `json:"id"`
	Role         string     `json:"role"`
	Task         string     `json:"task"`
	Status       string     `json:"status"`
	ControlState string     `json:"control_state"`
	Depth        int        `json:"depth"`
	ParentID     *uuid.UUID `json:"parent_id,omitempty"`
	TokensUsed   int        `json:"tokens_used"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type agentTreeView struct {
	Agent    agentOpsView     `json:"agent"`
	Children []*agentTreeView `json:"children,omitempty"`
}

func treeToView(n *hierarchy.TreeNode) *agentTreeView {
	if n == nil {
		return nil
	}
	a := n.Agent
	v := &agentTreeView{Agent: agentOpsView{
		ID:           a.ID.String(),
		Role:         a.Role,
		Task:         a.Task,
		Status:       a.Status,
		ControlState: a.ControlState,
		Depth:        a.DepthLevel,
		ParentID:     a.ParentID,
		TokensUsed:   a.TokensUsed,
		Error:        a.Error,
		CreatedAt:    a.CreatedAt,
		StartedAt:    a.StartedAt,
		CompletedAt:  a.CompletedAt,
	}}
	for _, child := range n.Children {
		v.Children = append(v.Children, treeToView(child))
	}
	return v
}

func (h *OpsHandler) handleWorkflowProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), opsQueryTimeout)
	defer cancel()

	progress, err := h.workflows.Progress(ctx, id)
	if errors.Is(err, workflow.ErrGraphNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to compute workflow progress",
			zap.String("graph_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute progress")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *OpsHandler) handleAgentTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	h.serveTimeline(w, r, streaming.AgentScope(id))
}

func (h *OpsHandler) handleWorkflowTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	h.serveTimeline(w, r, streaming.GraphScope(id))
}

// serveTimeline reads the persisted event log for a scope.
// Query params: since (RFC3339) and limit.
func (h *OpsHandler) serveTimeline(w http.ResponseWriter, r *http.Request, scope string) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), opsQueryTimeout)
	defer cancel()

	events, err := h.client.ListEventLogs(ctx, scope, since, limit)
	if err != nil {
		h.logger.Error("Failed to read event timeline",
			zap.String("scope", scope), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read timeline")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":  scope,
		"count":  len(events),
		"events": events,
	})
}

// pathUUID parses the {id} path segment, answering 400 on garbage.
func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
