package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/workflow"
)

// WorkflowHandler serves the template and graph endpoints. Reads and
// instantiation go through the workflow service; execution and termination
// go through the engine.
type WorkflowHandler struct {
	workflows *workflow.Service
	engine    *workflow.Engine
	logger    *zap.Logger
}

// NewWorkflowHandler creates the workflow handler.
func NewWorkflowHandler(svc *workflow.Service, engine *workflow.Engine, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: svc, engine: engine, logger: logger}
}

// CreateTemplateRequest registers a reusable graph blueprint.
type CreateTemplateRequest struct {
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	Category             *string             `json:"category,omitempty"`
	NodeTemplates        db.NodeTemplateList `json:"node_templates"`
	EdgePatterns         db.EdgePatternList  `json:"edge_patterns"`
	TotalEstimatedBudget int                 `json:"total_estimated_budget"`
	MinBudgetRequired    int                 `json:"min_budget_required"`
	ComplexityRating     float64             `json:"complexity_rating"`
}

// InstantiateRequest turns a template into a concrete graph.
type InstantiateRequest struct {
	Name   string `json:"name"`
	Task   string `json:"task"`
	Budget int    `json:"budget"`
}

// ExecuteRequest starts a validated graph. ParentAgentID, when set, becomes
// the parent of every node agent.
type ExecuteRequest struct {
	ParentAgentID *uuid.UUID `json:"parent_agent_id,omitempty"`
}

// ListTemplates handles GET /api/v1/templates.
func (h *WorkflowHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	onlyEnabled := r.URL.Query().Get("enabled") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	templates, err := h.workflows.ListTemplates(ctx, onlyEnabled)
	if err != nil {
		h.logger.Error("Failed to list templates", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	views := make([]templateView, 0, len(templates))
	for _, t := range templates {
		views = append(views, templateToView(t))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"templates": views,
		"count":     len(views),
	})
}

// CreateTemplate handles POST /api/v1/templates.
func (h *WorkflowHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tmpl := &db.WorkflowTemplate{
		ID:                   uuid.New(),
		Name:                 req.Name,
		Description:          req.Description,
		Category:             req.Category,
		NodeTemplates:        req.NodeTemplates,
		EdgePatterns:         req.EdgePatterns,
		TotalEstimatedBudget: req.TotalEstimatedBudget,
		MinBudgetRequired:    req.MinBudgetRequired,
		ComplexityRating:     req.ComplexityRating,
		Enabled:              true,
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.workflows.CreateTemplate(ctx, tmpl); err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			sendJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "template validation failed",
				"issues": verr.Issues,
			})
			return
		}
		h.logger.Error("Failed to create template",
			zap.String("name", req.Name),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	h.logger.Info("Template created",
		zap.String("template_id", tmpl.ID.String()),
		zap.String("name", tmpl.Name))
	sendJSON(w, http.StatusCreated, templateToView(tmpl))
}

// Instantiate handles POST /api/v1/templates/{id}/instantiate.
func (h *WorkflowHandler) Instantiate(w http.ResponseWriter, r *http.Request) {
	templateID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	var req InstantiateRequest
	if !decodeBody(w, r, &req) {
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

	graph, err := h.workflows.InstantiateTemplate(ctx, templateID, req.Name, req.Task, req.Budget)
	if err != nil {
		h.logger.Warn("Instantiation rejected",
			zap.String("template_id", templateID.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	h.logger.Info("Workflow instantiated",
		zap.String("template_id", templateID.String()),
		zap.String("graph_id", graph.ID.String()))
	sendJSON(w, http.StatusCreated, graphToView(graph))
}

// Execute handles POST /api/v1/workflows/{id}/execute. Only the initial
// frontier spawns here; the rest of the graph follows as dependencies
// complete.
func (h *WorkflowHandler) Execute(w http.ResponseWriter, r *http.Request) {
	graphID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	req := ExecuteRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.engine.Execute(ctx, graphID, req.ParentAgentID); err != nil {
		h.logger.Warn("Execution rejected",
			zap.String("graph_id", graphID.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"graph_id": graphID.String(),
		"status":   "executing",
	})
}

// ListGraphs handles GET /api/v1/workflows.
func (h *WorkflowHandler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status *string
	if s := q.Get("status"); s != "" {
		status = &s
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	graphs, err := h.workflows.ListGraphs(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list workflows", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	views := make([]graphView, 0, len(graphs))
	for _, g := range graphs {
		views = append(views, graphToView(g))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": views,
		"count":     len(views),
	})
}

// GetGraph handles GET /api/v1/workflows/{id}, returning the graph with
// its node states.
func (h *WorkflowHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	graphID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	graph, err := h.workflows.GetGraph(ctx, graphID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	nodes, err := h.workflows.GetGraphNodes(ctx, graphID)
	if err != nil {
		h.logger.Error("Failed to load workflow nodes",
			zap.String("graph_id", graphID.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	nodeViews := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		nodeViews = append(nodeViews, nodeToView(n))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"workflow": graphToView(graph),
		"nodes":    nodeViews,
	})
}

// Progress handles GET /api/v1/workflows/{id}/progress.
func (h *WorkflowHandler) Progress(w http.ResponseWriter, r *http.Request) {
	graphID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	progress, err := h.workflows.Progress(ctx, graphID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, progress)
}

// Terminate handles POST /api/v1/workflows/{id}/terminate. The graph fails,
// unfinished nodes are skipped, and running node agents terminate with
// their subtrees.
func (h *WorkflowHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	graphID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.engine.TerminateWorkflow(ctx, graphID); err != nil {
		h.logger.Warn("Workflow termination failed",
			zap.String("graph_id", graphID.String()),
			zap.Error(err))
		sendServiceError(w, err)
		return
	}

	h.logger.Info("Workflow terminated via API",
		zap.String("graph_id", graphID.String()))
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"graph_id":   graphID.String(),
		"terminated": true,
	})
}
