// Package policy gates agent spawns through OPA. Policies publish a verdict
// at data.drover.spawn.decision: an embedded baseline ships with the binary,
// and a configured directory of .rego files replaces it. Dry-run mode logs
// would-be denials without blocking, and fail_closed picks the verdict when
// loading or evaluation itself breaks.
package policy

import (
	"container/list"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is where every policy module must publish its verdict.
const decisionQuery = "data.drover.spawn.decision"

//go:embed default.rego
var baselinePolicy string

// ErrSpawnDenied is returned by Admit for a deny verdict in enforce mode,
// and for load or evaluation failures when fail_closed is set.
var ErrSpawnDenied = errors.New("spawn denied by policy")

// SpawnInput is the document policies evaluate against.
type SpawnInput struct {
	Role        string    `json:"role"`
	Task        string    `json:"task"`
	Depth       int       `json:"depth"`
	Budget      int       `json:"budget"`
	ParentID    string    `json:"parent_id,omitempty"`
	Source      string    `json:"source"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision is the parsed policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Engine evaluates spawn admission policies.
type Engine struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery

	enabled bool
	cache   *decisionCache
}

// NewEngine compiles the configured policies. With fail_closed set a load
// failure is fatal; otherwise the engine logs it and runs disabled.
func NewEngine(config Config, logger *zap.Logger) (*Engine, error) {
	config.Normalize()
	engine := &Engine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled,
		cache:   newDecisionCache(config.CacheSize, config.CacheTTL),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// Enabled reports whether the engine evaluates policies.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Mode returns the current enforcement mode.
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Mode
}

// SetMode switches enforcement at runtime, for config hot reload. Cached
// decisions are dropped because they carry the old mode's annotations.
// An engine that never compiled policies stays disabled regardless.
func (e *Engine) SetMode(mode Mode) {
	switch mode {
	case ModeDryRun, ModeEnforce:
	default:
		mode = ModeOff
	}

	e.mu.Lock()
	if e.config.Mode == mode {
		e.mu.Unlock()
		return
	}
	old := e.config.Mode
	e.config.Mode = mode
	e.enabled = mode != ModeOff && e.compiled != nil
	e.mu.Unlock()

	e.cache.reset()
	e.logger.Info("Policy mode changed",
		zap.String("from", string(old)),
		zap.String("to", string(mode)),
	)
}

// LoadPolicies compiles the policy set and swaps it in, dropping any cached
// decisions. With no directory configured the embedded baseline is used.
func (e *Engine) LoadPolicies() error {
	policies := make(map[string]string)
	source := "embedded"

	if e.config.Path == "" {
		policies["baseline"] = baselinePolicy
	} else {
		source = e.config.Path
		err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
				return nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			moduleName := strings.TrimSuffix(relPath, ".rego")
			policies[moduleName] = string(content)
			e.logger.Debug("Loaded policy file",
				zap.String("path", path),
				zap.String("module", moduleName),
			)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk policy directory: %w", err)
		}
		if len(policies) == 0 {
			return fmt.Errorf("no .rego files under %s", e.config.Path)
		}
	}

	options := []func(*rego.Rego){rego.Query(decisionQuery)}
	for moduleName, content := range policies {
		options = append(options, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(options...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	// A successful reload heals an engine that booted fail-open on a
	// broken policy set.
	e.enabled = e.config.Enabled && e.config.Mode != ModeOff
	e.mu.Unlock()
	e.cache.reset()

	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("source", source),
		zap.String("decision_query", decisionQuery),
	)
	RecordPolicyLoad(source, len(policies), float64(time.Now().Unix()))

	return nil
}

// Evaluate runs the spawn input through the compiled policies and applies
// the configured mode. A disabled engine returns the fail-open or
// fail-closed default instead of evaluating.
func (e *Engine) Evaluate(ctx context.Context, input *SpawnInput) (*Decision, error) {
	start := time.Now()
	compiled, currentMode, enabled := e.snapshot()
	mode := string(currentMode)

	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
	}

	if !enabled || compiled == nil {
		return defaultDecision, nil
	}

	if input.Environment == "" {
		input.Environment = e.config.Environment
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	if cached, ok := e.cache.Get(input); ok {
		RecordCacheHit(mode)
		return cached, nil
	}
	RecordCacheMiss(mode)

	inputMap, err := inputToMap(input)
	if err != nil {
		e.logger.Error("Failed to convert policy input", zap.Error(err))
		RecordError("input_conversion", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("evaluation", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := e.parseResults(results)
	raw := *decision
	decision = e.applyMode(decision, input, currentMode)

	duration := time.Since(start)
	RecordEvaluation(decisionLabel(decision.Allow), mode)
	RecordEvaluationDuration(mode, duration.Seconds())
	if !raw.Allow {
		RecordDenyReason(raw.Reason, mode)
	}

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", duration),
		zap.String("role", input.Role),
		zap.String("source", input.Source),
		zap.Int("depth", input.Depth),
	)

	e.cache.Set(input, decision)
	return decision, nil
}

// Admit returns nil when the spawn may proceed and ErrSpawnDenied wrapping
// the policy reason when it may not. Dry-run denials admit after logging.
func (e *Engine) Admit(ctx context.Context, input *SpawnInput) error {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSpawnDenied, decision.Reason)
	}
	if decision.Allow {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSpawnDenied, decision.Reason)
}

// snapshot reads the compiled query, mode, and enabled flag in one lock
// acquisition so an evaluation sees a consistent view across a reload.
func (e *Engine) snapshot() (*rego.PreparedEvalQuery, Mode, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compiled, e.config.Mode, e.enabled
}

// parseResults turns the OPA result set into a Decision. Policies publish
// either an {"allow": bool, "reason": string} document or a bare boolean.
func (e *Engine) parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{
		Allow:  false,
		Reason: "no matching policy rules",
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("No policy results returned")
		return decision
	}

	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}

	return decision
}

// applyMode translates the raw verdict into the final one for the
// configured mode. Dry-run always admits but keeps the raw verdict in the
// reason for log analysis.
func (e *Engine) applyMode(decision *Decision, input *SpawnInput, mode Mode) *Decision {
	switch mode {
	case ModeEnforce:
		return decision

	case ModeDryRun:
		raw := *decision
		decision.Allow = true
		if raw.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", raw.Reason)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", raw.Reason)
			e.logger.Info("Dry-run policy denial",
				zap.String("reason", raw.Reason),
				zap.String("role", input.Role),
				zap.String("source", input.Source),
				zap.Int("depth", input.Depth),
				zap.Int("budget", input.Budget),
			)
		}
		return decision

	default:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision
	}
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

func inputToMap(input *SpawnInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- decision cache (LRU with TTL) ---

// The key covers every input field a policy can key on except the
// timestamp; the TTL bounds how stale a reused decision can get.

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List               // MRU at front
	m      map[string]*list.Element // key -> element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *SpawnInput) string {
	// Hash the task text to keep the key small
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Task)))
	th := h.Sum64()
	return fmt.Sprintf("%s|%s|%s|%d|%d|%s|%x",
		input.Environment, input.Source, input.Role, input.Depth, input.Budget, input.ParentID, th,
	)
}

func (c *decisionCache) Get(input *SpawnInput) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		// expired
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *SpawnInput, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		if lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

func (c *decisionCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Stats returns cumulative cache hit and miss counts.
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
