package policy

import (
	"context"

	"github.com/droverhq/drover/internal/lifecycle"
)

// SpawnGate adapts the engine to the lifecycle admission seam. Install it
// with lifecycle.SetAdmitter; denials surface as ErrSpawnDenied.
type SpawnGate struct {
	engine *Engine
}

// NewSpawnGate wraps an engine for spawn admission.
func NewSpawnGate(engine *Engine) *SpawnGate {
	return &SpawnGate{engine: engine}
}

// AdmitSpawn evaluates the spawn request against the loaded policies.
func (g *SpawnGate) AdmitSpawn(ctx context.Context, req lifecycle.AdmissionRequest) error {
	input := &SpawnInput{
		Role:   req.Role,
		Task:   req.Task,
		Depth:  req.Depth,
		Budget: req.Budget,
		Source: req.Source,
	}
	if req.ParentID != nil {
		input.ParentID = req.ParentID.String()
	}
	return g.engine.Admit(ctx, input)
}
