// Package executor is the boundary to the LLM execution backend. The
// orchestrator never talks to a model provider directly; it POSTs one task
// per agent to the executor endpoint and charges whatever token usage comes
// back, overage included.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/circuitbreaker"
	ometrics "github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/tracing"
)

// ErrExecutorFailed marks transport-level executor failures: unreachable
// endpoint, non-200 status, undecodable body. An executor that answers 200
// with ok=false is an agent failure, not an executor failure.
var ErrExecutorFailed = errors.New("executor call failed")

// ExecuteRequest is one agent invocation.
type ExecuteRequest struct {
	AgentID       string `json:"agent_id"`
	Task          string `json:"task"`
	WorkspacePath string `json:"workspace_path"`
	TokenBudget   int    `json:"token_budget"`
	ModelHint     string `json:"model_hint,omitempty"`
}

// ExecuteResult is the executor's accounting for one invocation. Token counts
// are authoritative; CostUSD is optional and computed from the pricing table
// when absent.
type ExecuteResult struct {
	OK           bool     `json:"ok"`
	Output       string   `json:"output,omitempty"`
	Error        string   `json:"error,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	DurationMs   int64    `json:"duration_ms"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
}

// TokensUsed is the total charged against the agent's budget.
func (r *ExecuteResult) TokensUsed() int {
	return r.InputTokens + r.OutputTokens
}

// Invoker executes one agent task. Implemented by the HTTP client and the
// deterministic stub.
type Invoker interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// Config holds executor client configuration.
type Config struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ModelHint string        `mapstructure:"model_hint"`
}

// Client calls the executor contract over HTTP through a circuit breaker.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient creates an executor client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(httpClient, "executor", "executor", logger),
		logger: logger,
	}
}

// Execute performs one invocation. Called exactly once per claim; the
// executor is not assumed idempotent, so there is no retry here.
func (c *Client) Execute(ctx context.Context, execReq ExecuteRequest) (*ExecuteResult, error) {
	if execReq.ModelHint == "" {
		execReq.ModelHint = c.cfg.ModelHint
	}

	url := c.cfg.Endpoint + "/execute"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode request: %v", ErrExecutorFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutorFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		ometrics.RecordExecutorCall("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %v", ErrExecutorFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ometrics.RecordExecutorCall(fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start).Seconds())
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrExecutorFailed, resp.StatusCode, msg)
	}

	var result ExecuteResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		ometrics.RecordExecutorCall("decode_error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrExecutorFailed, err)
	}
	if result.InputTokens < 0 || result.OutputTokens < 0 {
		ometrics.RecordExecutorCall("bad_accounting", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: negative token counts", ErrExecutorFailed)
	}

	status := "ok"
	if !result.OK {
		status = "agent_error"
	}
	ometrics.RecordExecutorCall(status, time.Since(start).Seconds())

	c.logger.Debug("Executor call finished",
		zap.String("agent_id", execReq.AgentID),
		zap.Bool("ok", result.OK),
		zap.Int("tokens_used", result.TokensUsed()),
		zap.Int64("duration_ms", result.DurationMs),
	)
	return &result, nil
}

// Health probes the executor's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executor unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("executor unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
