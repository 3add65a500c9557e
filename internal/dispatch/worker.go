// Package dispatch runs the execution worker: it claims pending agents
// with skip-locked reads, invokes the executor under budget pacing, and
// commits each outcome through the lifecycle service in one transaction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/droverhq/drover/internal/budget"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/executor"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/streaming"
)

// Config controls the execution worker.
type Config struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	TickTimeout    time.Duration `mapstructure:"tick_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	RateBurst      int           `mapstructure:"rate_burst"`
	EstimateTokens int           `mapstructure:"estimate_tokens"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		BatchSize:      8,
		Concurrency:    4,
		CallTimeout:    120 * time.Second,
		TickTimeout:    5 * time.Minute,
		RatePerSecond:  5,
		RateBurst:      4,
		EstimateTokens: 1000,
		StaleAfter:     10 * time.Minute,
	}
}

// TickStats reports what one dispatch pass did.
type TickStats struct {
	Claimed   int
	Completed int
	Failed    int
	Discarded int
	Errors    int
}

type claimResult int

const (
	claimCompleted claimResult = iota
	claimFailed
	claimDiscarded
	claimError
	claimAbandoned
)

// orphanBatchLimit caps how many stuck agents one recovery pass touches.
const orphanBatchLimit = 500

// Worker is the agent execution loop.
type Worker struct {
	client    *db.Client
	lifecycle *lifecycle.Service
	budget    *budget.Manager
	invoker   executor.Invoker
	events    *streaming.Manager
	logger    *zap.Logger
	cfg       Config
	pacer     *rate.Limiter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates the execution worker. Zero config fields get defaults.
func NewWorker(client *db.Client, lc *lifecycle.Service, budgetMgr *budget.Manager, invoker executor.Invoker, logger *zap.Logger, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = def.TickTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	if cfg.EstimateTokens <= 0 {
		cfg.EstimateTokens = def.EstimateTokens
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	return &Worker{
		client:    client,
		lifecycle: lc,
		budget:    budgetMgr,
		invoker:   invoker,
		logger:    logger,
		cfg:       cfg,
		pacer:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		stopCh:    make(chan struct{}),
	}
}

// SetEvents attaches the streaming hub for claim events.
func (w *Worker) SetEvents(m *streaming.Manager) {
	w.events = m
}

// Start launches the claim loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("Dispatch worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency),
	)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("Dispatch worker stopped")
}

// Tune adjusts the executor pacer at runtime. Ignores non-positive
// values so a partial config reload cannot stall dispatch.
func (w *Worker) Tune(ratePerSecond float64, burst int) {
	if ratePerSecond > 0 {
		w.pacer.SetLimit(rate.Limit(ratePerSecond))
	}
	if burst > 0 {
		w.pacer.SetBurst(burst)
	}
	w.logger.Info("Dispatch pacer tuned",
		zap.Float64("rate_per_second", ratePerSecond),
		zap.Int("burst", burst),
	)
}

func (w *Worker) loop() {
	defer w.wg.Done()

	// Spread start across the interval so replicas do not claim in lockstep.
	jitter := time.Duration(rand.Int63n(int64(w.cfg.Interval)/2 + 1))
	select {
	case <-time.After(jitter):
	case <-w.stopCh:
		return
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TickTimeout)
			stats, err := w.RunOnce(ctx)
			cancel()
			if err != nil {
				w.logger.Error("Dispatch tick failed", zap.Error(err))
				continue
			}
			if stats.Claimed > 0 {
				w.logger.Info("Dispatch tick",
					zap.Int("claimed", stats.Claimed),
					zap.Int("completed", stats.Completed),
					zap.Int("failed", stats.Failed),
					zap.Int("discarded", stats.Discarded),
				)
			}
		}
	}
}

// RunOnce claims one batch of pending agents and executes them with
// bounded fan-out, waiting for every claim to settle.
func (w *Worker) RunOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats

	start := time.Now()
	claimed, err := w.claimBatch(ctx)
	if err != nil {
		return stats, err
	}
	metrics.ClaimLatency.Observe(time.Since(start).Seconds())
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats, nil
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, agent := range claimed {
		wg.Add(1)
		sem <- struct{}{}
		go func(agent *db.Agent) {
			defer wg.Done()
			defer func() { <-sem }()

			result := w.executeClaim(ctx, agent)
			mu.Lock()
			switch result {
			case claimCompleted:
				stats.Completed++
			case claimFailed:
				stats.Failed++
			case claimDiscarded:
				stats.Discarded++
			case claimError, claimAbandoned:
				stats.Errors++
			}
			mu.Unlock()
		}(agent)
	}
	wg.Wait()

	return stats, nil
}

// claimBatch flips up to BatchSize pending agents to executing in one
// skip-locked statement. Paused agents stay behind for a later tick.
func (w *Worker) claimBatch(ctx context.Context) ([]*db.Agent, error) {
	rows, err := w.client.Wrapper().QueryContext(ctx, `
		UPDATE agents
		SET status = 'executing', started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id IN (
			SELECT id FROM agents
			WHERE status = 'pending' AND control_state = 'running'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+db.AgentColumns,
		w.cfg.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending agents: %w", err)
	}
	defer rows.Close()

	var claimed []*db.Agent
	for rows.Next() {
		agent, err := db.ScanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed agent: %w", err)
		}
		claimed = append(claimed, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim pending agents: %w", err)
	}

	for _, agent := range claimed {
		w.logger.Debug("Claimed agent for execution",
			zap.String("agent_id", agent.ID.String()),
			zap.String("role", agent.Role),
		)
		metrics.RecordTransition(db.AgentStatusExecuting)
		w.events.Publish(streaming.AgentScope(agent.ID), streaming.Event{
			Type:    streaming.TypeAgentExecuting,
			AgentID: agent.ID.String(),
		})
	}
	return claimed, nil
}

// executeClaim drives one claimed agent from backpressure check through
// the committed outcome.
func (w *Worker) executeClaim(ctx context.Context, agent *db.Agent) claimResult {
	bp, err := w.budget.CheckBackpressure(ctx, agent.ID, w.cfg.EstimateTokens)
	if err != nil {
		// Pacing is advisory; execution proceeds without it.
		w.logger.Error("Failed to check budget pressure",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
		bp = nil
	}

	tokenBudget := 0
	if bp != nil {
		tokenBudget = bp.Available
		if !bp.CanProceed {
			reason := fmt.Sprintf("budget exhausted before execution: %s", bp.Reason)
			return w.commit(ctx, agent, lifecycle.ExecutionOutcome{
				Status: db.AgentStatusFailed,
				Error:  &reason,
			}, nil, "")
		}
		if bp.BackpressureActive && bp.BackpressureDelay > 0 {
			metrics.BackpressureDelays.WithLabelValues(bp.Pressure).Inc()
			select {
			case <-time.After(time.Duration(bp.BackpressureDelay) * time.Millisecond):
			case <-ctx.Done():
				return w.abandon(agent, ctx.Err())
			}
		}
	}

	if err := w.pacer.Wait(ctx); err != nil {
		return w.abandon(agent, err)
	}

	req := executor.ExecuteRequest{
		AgentID:     agent.ID.String(),
		Task:        agent.Task,
		TokenBudget: tokenBudget,
	}
	if agent.WorkspacePath != nil {
		req.WorkspacePath = *agent.WorkspacePath
	}
	if agent.ModelHint != nil {
		req.ModelHint = *agent.ModelHint
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	started := time.Now()
	res, err := w.invoker.Execute(callCtx, req)
	cancel()
	elapsed := time.Since(started)

	var outcome lifecycle.ExecutionOutcome
	switch {
	case err != nil:
		msg := err.Error()
		outcome = lifecycle.ExecutionOutcome{
			Status:     db.AgentStatusFailed,
			Error:      &msg,
			DurationMs: elapsed.Milliseconds(),
		}
	case res.OK:
		output := res.Output
		outcome = lifecycle.ExecutionOutcome{
			Status:     db.AgentStatusCompleted,
			Result:     &output,
			TokensUsed: res.TokensUsed(),
			DurationMs: res.DurationMs,
		}
	default:
		msg := res.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		// The agent failed but the tokens were spent regardless.
		outcome = lifecycle.ExecutionOutcome{
			Status:     db.AgentStatusFailed,
			Error:      &msg,
			TokensUsed: res.TokensUsed(),
			DurationMs: res.DurationMs,
		}
	}

	return w.commit(ctx, agent, outcome, res, req.ModelHint)
}

// commit writes the outcome through the lifecycle service and records
// the usage trail. A terminated-while-running agent fails the terminal
// guard; its result is discarded while the usage trail still records the
// real spend.
func (w *Worker) commit(ctx context.Context, agent *db.Agent, outcome lifecycle.ExecutionOutcome, res *executor.ExecuteResult, modelHint string) claimResult {
	_, overBudget, err := w.lifecycle.FinishExecution(ctx, agent.ID, outcome)
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		w.logger.Info("Execution outcome discarded",
			zap.String("agent_id", agent.ID.String()),
			zap.String("status", outcome.Status),
		)
		w.recordUsage(ctx, agent, res, modelHint)
		return claimDiscarded
	}
	if err != nil {
		// The agent stays in executing; orphan recovery will pick it up.
		w.logger.Error("Failed to commit execution outcome",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
		return claimError
	}

	if overBudget {
		w.logger.Warn("Execution exceeded budget allocation",
			zap.String("agent_id", agent.ID.String()),
			zap.Int("tokens_used", outcome.TokensUsed),
		)
	}

	var cost float64
	if res != nil && res.CostUSD != nil {
		cost = *res.CostUSD
	}
	metrics.RecordExecution(agent.Role, float64(outcome.DurationMs), outcome.TokensUsed, cost)
	w.recordUsage(ctx, agent, res, modelHint)

	if outcome.Status == db.AgentStatusCompleted {
		return claimCompleted
	}
	return claimFailed
}

// recordUsage queues the accounting trail for one executor call.
func (w *Worker) recordUsage(ctx context.Context, agent *db.Agent, res *executor.ExecuteResult, modelHint string) {
	if res == nil || res.TokensUsed() <= 0 {
		return
	}

	model := modelHint
	if model == "" {
		model = "default"
	}
	usage := &budget.UsageRecord{
		AgentID:        agent.ID,
		GraphID:        graphIDFromMetadata(agent.Metadata),
		Model:          model,
		InputTokens:    res.InputTokens,
		OutputTokens:   res.OutputTokens,
		DurationMs:     res.DurationMs,
		IdempotencyKey: "exec:" + agent.ID.String(),
	}
	if res.CostUSD != nil {
		usage.CostUSD = *res.CostUSD
	}
	if err := w.budget.RecordUsage(ctx, usage); err != nil {
		w.logger.Warn("Failed to record token usage",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
	}
}

func (w *Worker) abandon(agent *db.Agent, err error) claimResult {
	w.logger.Warn("Abandoning claimed agent, recovery will reap it",
		zap.String("agent_id", agent.ID.String()),
		zap.Error(err))
	return claimAbandoned
}

// RecoverOrphans fails agents stuck in executing longer than StaleAfter.
// Run at startup: a crash between claim and commit leaves rows behind
// that no worker will ever finish. Reclamation and downstream cascades
// run through the normal terminal path.
func (w *Worker) RecoverOrphans(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-w.cfg.StaleAfter)
	rows, err := w.client.Wrapper().QueryContext(ctx, `
		SELECT id FROM agents
		WHERE status = 'executing' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`,
		cutoff, orphanBatchLimit,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned executions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to scan orphaned agent: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to find orphaned executions: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if _, err := w.lifecycle.MarkFailed(ctx, id, "orchestrator restarted during execution"); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				continue
			}
			w.logger.Error("Failed to recover orphaned execution",
				zap.String("agent_id", id.String()),
				zap.Error(err))
			continue
		}
		w.logger.Warn("Recovered orphaned execution",
			zap.String("agent_id", id.String()))
		recovered++
	}
	return recovered, nil
}

func graphIDFromMetadata(meta db.JSONB) *uuid.UUID {
	if meta == nil {
		return nil
	}
	raw, ok := meta["workflow_graph_id"].(string)
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
