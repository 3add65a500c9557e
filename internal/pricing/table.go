package pricing

import (
	"sync"
)

// ModelPricing defines token costs for a model
type ModelPricing struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	InputPricePerK  float64 `json:"input_price_per_k"`  // Price per 1K input tokens
	OutputPricePerK float64 `json:"output_price_per_k"` // Price per 1K output tokens
	Tier            string  `json:"tier"`               // small/medium/large
}

// Table maps model names to pricing, safe for concurrent reads with
// occasional config-reload writes.
type Table struct {
	mu       sync.RWMutex
	models   map[string]ModelPricing
	fallback float64 // per-token price for unknown models
}

// fallbackPerToken prices unknown models at $0.002 per 1K tokens
const fallbackPerToken = 0.000002

// DefaultTable returns the built-in pricing for supported models
func DefaultTable() *Table {
	return &Table{
		fallback: fallbackPerToken,
		models: map[string]ModelPricing{
			// OpenAI Models
			"gpt-4-turbo": {
				Provider: "openai", Model: "gpt-4-turbo",
				InputPricePerK: 0.01, OutputPricePerK: 0.03, Tier: "large",
			},
			"gpt-4": {
				Provider: "openai", Model: "gpt-4",
				InputPricePerK: 0.03, OutputPricePerK: 0.06, Tier: "large",
			},
			"gpt-3.5-turbo": {
				Provider: "openai", Model: "gpt-3.5-turbo",
				InputPricePerK: 0.0005, OutputPricePerK: 0.0015, Tier: "small",
			},

			// Anthropic Models
			"claude-3-opus": {
				Provider: "anthropic", Model: "claude-3-opus",
				InputPricePerK: 0.015, OutputPricePerK: 0.075, Tier: "large",
			},
			"claude-3-sonnet": {
				Provider: "anthropic", Model: "claude-3-sonnet",
				InputPricePerK: 0.003, OutputPricePerK: 0.015, Tier: "medium",
			},
			"claude-3-haiku": {
				Provider: "anthropic", Model: "claude-3-haiku",
				InputPricePerK: 0.00025, OutputPricePerK: 0.00125, Tier: "small",
			},

			// DeepSeek Models
			"deepseek-v3": {
				Provider: "deepseek", Model: "deepseek-v3",
				InputPricePerK: 0.001, OutputPricePerK: 0.002, Tier: "medium",
			},
			"deepseek-chat": {
				Provider: "deepseek", Model: "deepseek-chat",
				InputPricePerK: 0.0001, OutputPricePerK: 0.0002, Tier: "small",
			},

			// Qwen Models
			"qwen-max": {
				Provider: "qwen", Model: "qwen-max",
				InputPricePerK: 0.002, OutputPricePerK: 0.006, Tier: "large",
			},
			"qwen-plus": {
				Provider: "qwen", Model: "qwen-plus",
				InputPricePerK: 0.0008, OutputPricePerK: 0.002, Tier: "medium",
			},
			"qwen-turbo": {
				Provider: "qwen", Model: "qwen-turbo",
				InputPricePerK: 0.0003, OutputPricePerK: 0.0006, Tier: "small",
			},
		},
	}
}

// Lookup returns the pricing entry for a model
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.models[model]
	return p, ok
}

// Cost computes the exact cost for a completed call
func (t *Table) Cost(model string, inputTokens, outputTokens int) float64 {
	t.mu.RLock()
	p, ok := t.models[model]
	fallback := t.fallback
	t.mu.RUnlock()

	if !ok {
		return float64(inputTokens+outputTokens) * fallback
	}
	return (float64(inputTokens)/1000)*p.InputPricePerK +
		(float64(outputTokens)/1000)*p.OutputPricePerK
}

// Estimate projects cost for a token count before the call, assuming a
// 60/40 input/output split
func (t *Table) Estimate(model string, tokens int) float64 {
	t.mu.RLock()
	p, ok := t.models[model]
	fallback := t.fallback
	t.mu.RUnlock()

	if !ok {
		return float64(tokens) * fallback
	}
	inputTokens := int(float64(tokens) * 0.6)
	outputTokens := int(float64(tokens) * 0.4)
	return (float64(inputTokens)/1000)*p.InputPricePerK +
		(float64(outputTokens)/1000)*p.OutputPricePerK
}

// SetFallbackRate overrides the default per-1K price for unknown models.
func (t *Table) SetFallbackRate(perK float64) {
	if perK <= 0 {
		return
	}
	t.mu.Lock()
	t.fallback = perK / 1000
	t.mu.Unlock()
}

// Merge overlays entries from configuration onto the table
func (t *Table) Merge(overrides map[string]ModelPricing) {
	if len(overrides) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, p := range overrides {
		if p.Model == "" {
			p.Model = name
		}
		t.models[name] = p
	}
}

// Tier returns the size tier for a model, defaulting to "small"
func (t *Table) Tier(model string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.models[model]; ok && p.Tier != "" {
		return p.Tier
	}
	return "small"
}
