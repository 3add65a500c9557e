package workflow

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/db"
)

// catalogTemplate is the YAML shape of one template file.
type catalogTemplate struct {
	Name                 string        `yaml:"name"`
	Description          string        `yaml:"description"`
	Category             string        `yaml:"category"`
	TotalEstimatedBudget int           `yaml:"total_estimated_budget"`
	ComplexityRating     float64       `yaml:"complexity_rating"`
	MinBudgetRequired    int           `yaml:"min_budget_required"`
	Enabled              *bool         `yaml:"enabled"`
	Nodes                []catalogNode `yaml:"nodes"`
}

type catalogNode struct {
	NodeID           string   `yaml:"node_id"`
	Role             string   `yaml:"role"`
	TaskTemplate     string   `yaml:"task_template"`
	BudgetPercentage float64  `yaml:"budget_percentage"`
	Dependencies     []string `yaml:"dependencies"`
	Position         *int     `yaml:"position"`
}

// CatalogLoadError aggregates per-file catalog failures.
type CatalogLoadError struct {
	Failures []string
}

// Error implements the error interface.
func (e *CatalogLoadError) Error() string {
	if len(e.Failures) == 0 {
		return "catalog load failed"
	}
	return fmt.Sprintf("%d template file(s) failed to load: %s",
		len(e.Failures), strings.Join(e.Failures, "; "))
}

// LoadCatalog walks a directory of YAML template files and upserts each into
// the store by name. Files that fail to parse or validate are collected and
// reported together; valid files still load. Returns how many loaded.
func (s *Service) LoadCatalog(ctx context.Context, dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to stat catalog directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("catalog path %s is not a directory", dir)
	}

	loaded := 0
	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() || !isYAMLFile(path) {
			return nil
		}
		if err := s.loadCatalogFile(ctx, path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		loaded++
		return nil
	}
	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return loaded, fmt.Errorf("failed to walk catalog directory %s: %w", dir, err)
	}

	s.logger.Info("Template catalog loaded",
		zap.String("dir", dir),
		zap.Int("loaded", loaded),
		zap.Int("failed", len(failures)),
	)
	if len(failures) > 0 {
		return loaded, &CatalogLoadError{Failures: failures}
	}
	return loaded, nil
}

func (s *Service) loadCatalogFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var ct catalogTemplate
	if err := dec.Decode(&ct); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	tmpl := ct.toTemplate()
	if err := validateTemplate(tmpl); err != nil {
		return err
	}
	if err := s.client.UpsertTemplateByName(ctx, tmpl); err != nil {
		return err
	}

	s.logger.Debug("Catalog template upserted",
		zap.String("name", tmpl.Name),
		zap.String("path", path),
		zap.Int("nodes", len(tmpl.NodeTemplates)),
	)
	return nil
}

func (ct *catalogTemplate) toTemplate() *db.WorkflowTemplate {
	createdBy := "catalog"
	tmpl := &db.WorkflowTemplate{
		ID:                   uuid.New(),
		Name:                 ct.Name,
		Description:          ct.Description,
		TotalEstimatedBudget: ct.TotalEstimatedBudget,
		ComplexityRating:     ct.ComplexityRating,
		MinBudgetRequired:    ct.MinBudgetRequired,
		Enabled:              true,
		CreatedBy:            &createdBy,
	}
	if ct.Category != "" {
		category := ct.Category
		tmpl.Category = &category
	}
	if ct.Enabled != nil {
		tmpl.Enabled = *ct.Enabled
	}

	for i, cn := range ct.Nodes {
		position := i
		if cn.Position != nil {
			position = *cn.Position
		}
		tmpl.NodeTemplates = append(tmpl.NodeTemplates, db.NodeTemplate{
			NodeID:           cn.NodeID,
			Role:             cn.Role,
			TaskTemplate:     cn.TaskTemplate,
			BudgetPercentage: cn.BudgetPercentage,
			Dependencies:     cn.Dependencies,
			Position:         position,
		})
		for _, dep := range cn.Dependencies {
			tmpl.EdgePatterns = append(tmpl.EdgePatterns, db.EdgePattern{
				SourceNodeID: dep,
				TargetNodeID: cn.NodeID,
			})
		}
	}
	return tmpl
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
