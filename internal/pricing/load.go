// Package pricing attributes USD cost to executor token usage. The
// built-in table covers the common hosted models; a models.yaml file can
// overlay or extend it.
package pricing

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileConfig is the pricing section of models.yaml.
//
//	pricing:
//	  defaults:
//	    combined_per_1k: 0.002
//	  models:
//	    openai:
//	      gpt-4:
//	        input_per_1k: 0.03
//	        output_per_1k: 0.06
//	        tier: large
type fileConfig struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]modelEntry `yaml:"models"`
	} `yaml:"pricing"`
}

type modelEntry struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
	Tier          string  `yaml:"tier"`
}

// LoadFile overlays pricing from a models.yaml onto the table. Entries
// with only combined_per_1k apply that rate to both directions.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse pricing file: %w", err)
	}

	overrides := make(map[string]ModelPricing)
	for provider, models := range cfg.Pricing.Models {
		for name, e := range models {
			in, out := e.InputPer1K, e.OutputPer1K
			if in == 0 && out == 0 && e.CombinedPer1K > 0 {
				in, out = e.CombinedPer1K, e.CombinedPer1K
			}
			overrides[name] = ModelPricing{
				Provider:        provider,
				Model:           name,
				InputPricePerK:  in,
				OutputPricePerK: out,
				Tier:            e.Tier,
			}
		}
	}
	t.Merge(overrides)

	if d := cfg.Pricing.Defaults.CombinedPer1K; d > 0 {
		t.SetFallbackRate(d)
	}
	return nil
}

// LoadTable builds the default table and overlays path when set. A
// missing or broken file logs a warning and leaves the built-ins
// serving; cost attribution must not block boot.
func LoadTable(path string, logger *zap.Logger) *Table {
	t := DefaultTable()
	if path == "" {
		return t
	}
	if err := t.LoadFile(path); err != nil {
		logger.Warn("Failed to load pricing overrides, using built-in table",
			zap.String("path", path),
			zap.Error(err))
		return t
	}
	logger.Info("Pricing overrides loaded", zap.String("path", path))
	return t
}
