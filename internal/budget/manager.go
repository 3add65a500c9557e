package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/pricing"
)

var (
	// ErrBudgetExhausted means the ledger guard rejected a consume or
	// allocation: used + reserved + requested would exceed allocated.
	ErrBudgetExhausted = errors.New("budget exhausted")
	// ErrBudgetNotFound means no ledger row exists for the agent.
	ErrBudgetNotFound = errors.New("budget not found")
	// ErrTokenOverflow indicates a token counter would overflow the int range.
	ErrTokenOverflow = errors.New("token count would overflow")
)

// Budget pressure levels, from projected usage against allocation.
const (
	PressureLow      = "low"
	PressureMedium   = "medium"
	PressureHigh     = "high"
	PressureCritical = "critical"
)

// Manager owns the per-agent token ledger. Allocation and reclamation move
// tokens between a parent's reserved pool and its children; consumption only
// ever grows used. The authoritative state lives in the budgets table, with
// the reclaimed flag keeping trigger and service reclamation exactly-once.
type Manager struct {
	client  *db.Client
	pricing *pricing.Table
	logger  *zap.Logger

	// Backpressure control for dispatch pacing
	backpressureThreshold float64 // Activate backpressure at X% of budget (default 0.8)
	maxBackpressureDelay  int     // Maximum delay in milliseconds

	// Idempotency tracking for usage retry safety
	processedUsage map[string]time.Time
	idempotencyMu  sync.RWMutex
	idempotencyTTL time.Duration
}

// Options allow configuring manager behavior from config/env
type Options struct {
	BackpressureThreshold  float64
	MaxBackpressureDelayMs int
	IdempotencyTTL         time.Duration
}

// NewManager creates a budget manager. A nil client skips persistence, for
// tests exercising the in-memory paths.
func NewManager(client *db.Client, table *pricing.Table, logger *zap.Logger) *Manager {
	if table == nil {
		table = pricing.DefaultTable()
	}
	return &Manager{
		client:  client,
		pricing: table,
		logger:  logger,

		backpressureThreshold: 0.8,
		maxBackpressureDelay:  5000,

		processedUsage: make(map[string]time.Time),
		idempotencyTTL: 1 * time.Hour,
	}
}

// NewManagerWithOptions creates a manager and applies options
func NewManagerWithOptions(client *db.Client, table *pricing.Table, logger *zap.Logger, opts Options) *Manager {
	m := NewManager(client, table, logger)
	if opts.BackpressureThreshold > 0 {
		m.backpressureThreshold = opts.BackpressureThreshold
	}
	if opts.MaxBackpressureDelayMs > 0 {
		m.maxBackpressureDelay = opts.MaxBackpressureDelayMs
	}
	if opts.IdempotencyTTL > 0 {
		m.idempotencyTTL = opts.IdempotencyTTL
	}
	return m
}

// AllocateTx inserts the child's ledger row inside the spawn transaction.
// When a parent is given its row is locked first and headroom validated, so
// concurrent spawns against the same parent serialize here; the insert
// trigger then moves the allocation into parent.reserved and the headroom
// check constraint backstops the race this function cannot see.
func (m *Manager) AllocateTx(ctx context.Context, tx *sql.Tx, agentID uuid.UUID, amount int, parentID *uuid.UUID) error {
	if amount <= 0 {
		return fmt.Errorf("allocation must be positive, got %d", amount)
	}

	if parentID != nil {
		var allocated, used, reserved int
		err := tx.QueryRowContext(ctx,
			`SELECT allocated, used, reserved FROM budgets WHERE agent_id = $1 FOR UPDATE`,
			*parentID,
		).Scan(&allocated, &used, &reserved)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: parent %s", ErrBudgetNotFound, parentID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock parent budget: %w", err)
		}
		if allocated-used-reserved < amount {
			return fmt.Errorf("%w: parent %s has %d available, need %d",
				ErrBudgetExhausted, parentID, allocated-used-reserved, amount)
		}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO budgets (agent_id, allocated) VALUES ($1, $2)`,
		agentID, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

// Consume moves tokens into used, guarded by the headroom predicate in the
// same statement. Zero rows affected means the guard rejected it.
func (m *Manager) Consume(ctx context.Context, agentID uuid.UUID, tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("consume amount must be positive, got %d", tokens)
	}

	res, err := m.client.Wrapper().ExecContext(ctx,
		`UPDATE budgets SET used = used + $2
		 WHERE agent_id = $1 AND used + reserved + $2 <= allocated`,
		agentID, tokens,
	)
	if err != nil {
		return fmt.Errorf("failed to consume budget: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}

	return m.classifyConsumeFailure(ctx, agentID)
}

// ConsumeTx is Consume inside an existing transaction, for workers that
// record usage and transition status atomically.
func (m *Manager) ConsumeTx(ctx context.Context, tx *sql.Tx, agentID uuid.UUID, tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("consume amount must be positive, got %d", tokens)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE budgets SET used = used + $2
		 WHERE agent_id = $1 AND used + reserved + $2 <= allocated`,
		agentID, tokens,
	)
	if err != nil {
		return fmt.Errorf("failed to consume budget: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM budgets WHERE agent_id = $1)`, agentID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check budget existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: agent %s", ErrBudgetNotFound, agentID)
	}
	return fmt.Errorf("%w: agent %s", ErrBudgetExhausted, agentID)
}

// ChargeTx records tokens an executor already spent. Unlike ConsumeTx the
// charge always lands: when the headroom guard refuses, the tokens are
// written anyway and overBudget reports the overage, because the spend
// happened whether the ledger liked it or not.
func (m *Manager) ChargeTx(ctx context.Context, tx *sql.Tx, agentID uuid.UUID, tokens int) (overBudget bool, err error) {
	if tokens <= 0 {
		return false, fmt.Errorf("charge amount must be positive, got %d", tokens)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE budgets SET used = used + $2
		 WHERE agent_id = $1 AND used + reserved + $2 <= allocated`,
		agentID, tokens,
	)
	if err != nil {
		return false, fmt.Errorf("failed to charge budget: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE budgets SET used = used + $2 WHERE agent_id = $1`,
		agentID, tokens,
	)
	if err != nil {
		return false, fmt.Errorf("failed to charge budget: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, fmt.Errorf("%w: agent %s", ErrBudgetNotFound, agentID)
	}

	m.logger.Warn("Budget charge exceeded allocation",
		zap.String("agent_id", agentID.String()),
		zap.Int("tokens", tokens),
	)
	return true, nil
}

func (m *Manager) classifyConsumeFailure(ctx context.Context, agentID uuid.UUID) error {
	row, err := m.client.Wrapper().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM budgets WHERE agent_id = $1)`, agentID)
	if err != nil {
		return fmt.Errorf("failed to check budget existence: %w", err)
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("failed to check budget existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: agent %s", ErrBudgetNotFound, agentID)
	}
	return fmt.Errorf("%w: agent %s", ErrBudgetExhausted, agentID)
}

// Reclaim settles a terminated agent's reservation on its parent, exactly
// once: the full allocation leaves parent.reserved, the child's spend lands
// in parent.used, and the unused remainder becomes available again. The
// store trigger performs the same mutation when a status update lands first;
// whichever path wins sets the reclaimed flag under the row lock and the
// other no-ops. Returns the number of tokens released.
func (m *Manager) Reclaim(ctx context.Context, agentID uuid.UUID) (int, error) {
	var released int
	err := m.client.WithRetryableTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		released, err = m.reclaimInTx(ctx, tx, agentID)
		return err
	})
	return released, err
}

// ReclaimTx is Reclaim inside an existing transaction. The lifecycle service
// runs it in the terminal-transition transaction, where the store trigger has
// usually already set the flag and this no-ops.
func (m *Manager) ReclaimTx(ctx context.Context, tx *sql.Tx, agentID uuid.UUID) (int, error) {
	return m.reclaimInTx(ctx, tx, agentID)
}

// reclaimInTx locks child first, then parent, matching the trigger's order.
func (m *Manager) reclaimInTx(ctx context.Context, tx *sql.Tx, agentID uuid.UUID) (int, error) {
	var allocated, used int
	var reclaimed bool
	var parentID *uuid.UUID

	err := tx.QueryRowContext(ctx, `
		SELECT b.allocated, b.used, b.reclaimed, a.parent_id
		FROM budgets b
		JOIN agents a ON a.id = b.agent_id
		WHERE b.agent_id = $1
		FOR UPDATE OF b`,
		agentID,
	).Scan(&allocated, &used, &reclaimed, &parentID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: agent %s", ErrBudgetNotFound, agentID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock budget: %w", err)
	}

	if reclaimed {
		return 0, nil
	}

	unused := allocated - used
	if unused < 0 {
		unused = 0
	}
	// Overage beyond the allocation stays on the child row; the parent only
	// ever committed allocated, so the charge moving up is capped there.
	charged := allocated - unused

	if _, err := tx.ExecContext(ctx,
		`UPDATE budgets SET reclaimed = TRUE WHERE agent_id = $1`, agentID,
	); err != nil {
		return 0, fmt.Errorf("failed to mark budget reclaimed: %w", err)
	}

	if parentID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE budgets SET used = used + $2, reserved = reserved - $3 WHERE agent_id = $1`,
			*parentID, charged, allocated,
		); err != nil {
			return 0, fmt.Errorf("failed to settle reservation: %w", err)
		}
	}

	m.logger.Debug("Budget reclaimed",
		zap.String("agent_id", agentID.String()),
		zap.Int("released", unused),
	)
	return unused, nil
}

// Snapshot reads the agent's ledger row. Returns ErrBudgetNotFound when the
// agent has no budget.
func (m *Manager) Snapshot(ctx context.Context, agentID uuid.UUID) (*db.Budget, error) {
	row, err := m.client.Wrapper().QueryRowContext(ctx, `
		SELECT agent_id, allocated, used, reserved, reclaimed, created_at, updated_at
		FROM budgets WHERE agent_id = $1`,
		agentID,
	)
	if err != nil {
		return nil, err
	}

	var b db.Budget
	err = row.Scan(&b.AgentID, &b.Allocated, &b.Used, &b.Reserved, &b.Reclaimed, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: agent %s", ErrBudgetNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read budget: %w", err)
	}
	return &b, nil
}

// Available returns allocated - used - reserved for the agent.
func (m *Manager) Available(ctx context.Context, agentID uuid.UUID) (int, error) {
	b, err := m.Snapshot(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}

// BackpressureResult reports admission plus pacing advice for the dispatcher.
type BackpressureResult struct {
	CanProceed         bool   `json:"can_proceed"`
	Reason             string `json:"reason,omitempty"`
	BackpressureActive bool   `json:"backpressure_active"`
	BackpressureDelay  int    `json:"backpressure_delay_ms"`
	Pressure           string `json:"budget_pressure"` // low, medium, high, critical
	Available          int    `json:"available"`
}

// CheckBackpressure projects estimatedTokens onto the agent's ledger and
// returns pacing advice. The dispatcher sleeps for the returned delay before
// invoking the executor, slowing the fleet as an agent nears exhaustion.
func (m *Manager) CheckBackpressure(ctx context.Context, agentID uuid.UUID, estimatedTokens int) (*BackpressureResult, error) {
	b, err := m.Snapshot(ctx, agentID)
	if err != nil {
		return nil, err
	}

	result := &BackpressureResult{
		CanProceed: true,
		Available:  b.Available(),
	}

	projected := b.Used + b.Reserved + estimatedTokens
	if projected > b.Allocated {
		result.CanProceed = false
		result.Reason = fmt.Sprintf("budget exhausted: %d/%d tokens projected", projected, b.Allocated)
	}

	usagePercent := 1.0
	if b.Allocated > 0 {
		usagePercent = float64(projected) / float64(b.Allocated)
	}

	if usagePercent >= m.backpressureThreshold {
		result.BackpressureActive = true
		result.BackpressureDelay = m.calculateBackpressureDelay(usagePercent)
	}
	result.Pressure = m.calculatePressureLevel(usagePercent)

	return result, nil
}

// calculateBackpressureDelay maps projected usage to a pacing delay
func (m *Manager) calculateBackpressureDelay(usagePercent float64) int {
	if usagePercent < m.backpressureThreshold {
		return 0
	}

	if usagePercent >= 1.0 {
		return m.maxBackpressureDelay // At or over limit
	} else if usagePercent >= 0.95 {
		return 1500
	} else if usagePercent >= 0.9 {
		return 750
	} else if usagePercent >= 0.85 {
		return 300
	} else if usagePercent >= 0.8 {
		return 50
	}

	return 0
}

// calculatePressureLevel buckets projected usage
func (m *Manager) calculatePressureLevel(usagePercent float64) string {
	switch {
	case usagePercent < 0.5:
		return PressureLow
	case usagePercent < 0.75:
		return PressureMedium
	case usagePercent < 0.9:
		return PressureHigh
	default:
		return PressureCritical
	}
}

// UsageRecord is one executor call's token accounting.
type UsageRecord struct {
	AgentID        uuid.UUID              `json:"agent_id"`
	GraphID        *uuid.UUID             `json:"graph_id,omitempty"`
	Model          string                 `json:"model"`
	InputTokens    int                    `json:"input_tokens"`
	OutputTokens   int                    `json:"output_tokens"`
	TotalTokens    int                    `json:"total_tokens"`
	CostUSD        float64                `json:"cost_usd"`
	DurationMs     int64                  `json:"duration_ms"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"` // Optional key for retry safety
}

// RecordUsage prices a usage record and queues it for async persistence.
// Ledger consumption is separate (Consume); this is the accounting trail.
// Records carrying an idempotency key are deduplicated for the TTL window.
func (m *Manager) RecordUsage(ctx context.Context, usage *UsageRecord) error {
	if usage.IdempotencyKey != "" {
		m.idempotencyMu.RLock()
		seen, dup := m.processedUsage[usage.IdempotencyKey]
		m.idempotencyMu.RUnlock()
		if dup && time.Since(seen) < m.idempotencyTTL {
			m.logger.Debug("Skipping duplicate usage record",
				zap.String("idempotency_key", usage.IdempotencyKey),
				zap.String("agent_id", usage.AgentID.String()))
			return nil
		}
	}

	const maxInt = int(^uint(0) >> 1)
	if usage.InputTokens < 0 || usage.OutputTokens < 0 ||
		usage.InputTokens > maxInt-usage.OutputTokens {
		return ErrTokenOverflow
	}

	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now()
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	// Executor-reported cost wins; the table prices calls that omit it.
	if usage.CostUSD == 0 {
		usage.CostUSD = m.pricing.Cost(usage.Model, usage.InputTokens, usage.OutputTokens)
	}

	// Persistence skipped without a store, for tests of the in-memory paths
	if m.client != nil {
		agentID := usage.AgentID
		err := m.client.QueueWrite(db.WriteTypeTokenUsage, &db.TokenUsage{
			AgentID:      usage.AgentID,
			GraphID:      usage.GraphID,
			Model:        usage.Model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
			CostUSD:      usage.CostUSD,
			DurationMs:   usage.DurationMs,
			CreatedAt:    usage.Timestamp,
		}, func(writeErr error) {
			if writeErr != nil {
				m.logger.Error("Failed to persist token usage",
					zap.String("agent_id", agentID.String()),
					zap.Error(writeErr))
			}
		})
		if err != nil {
			return fmt.Errorf("failed to queue usage write: %w", err)
		}
	}

	if usage.IdempotencyKey != "" {
		m.idempotencyMu.Lock()
		m.processedUsage[usage.IdempotencyKey] = time.Now()
		m.pruneIdempotencyLocked()
		m.idempotencyMu.Unlock()
	}

	return nil
}

// pruneIdempotencyLocked drops expired keys; caller holds idempotencyMu.
func (m *Manager) pruneIdempotencyLocked() {
	if len(m.processedUsage) < 1024 {
		return
	}
	cutoff := time.Now().Add(-m.idempotencyTTL)
	for key, seen := range m.processedUsage {
		if seen.Before(cutoff) {
			delete(m.processedUsage, key)
		}
	}
}

// UsageFilters narrows a usage report.
type UsageFilters struct {
	AgentID   *uuid.UUID
	GraphID   *uuid.UUID
	StartTime time.Time
	EndTime   time.Time
}

// ModelUsage aggregates one model's consumption.
type ModelUsage struct {
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// UsageReport summarizes token spend over a window.
type UsageReport struct {
	StartTime      time.Time             `json:"start_time"`
	EndTime        time.Time             `json:"end_time"`
	TotalTokens    int                   `json:"total_tokens"`
	TotalCostUSD   float64               `json:"total_cost_usd"`
	RequestCount   int                   `json:"request_count"`
	ModelBreakdown map[string]ModelUsage `json:"model_breakdown"`
}

// GetUsageReport aggregates the token_usage trail for a window.
func (m *Manager) GetUsageReport(ctx context.Context, filters UsageFilters) (*UsageReport, error) {
	report := &UsageReport{
		StartTime:      filters.StartTime,
		EndTime:        filters.EndTime,
		ModelBreakdown: make(map[string]ModelUsage),
	}

	rows, err := m.client.Wrapper().QueryContext(ctx, `
		SELECT model,
		       SUM(input_tokens) AS input_total,
		       SUM(output_tokens) AS output_total,
		       SUM(total_tokens) AS total_tokens,
		       SUM(cost_usd) AS total_cost,
		       COUNT(*) AS request_count
		FROM token_usage
		WHERE created_at BETWEEN $1 AND $2
		  AND ($3::uuid IS NULL OR agent_id = $3)
		  AND ($4::uuid IS NULL OR graph_id = $4)
		GROUP BY model
		ORDER BY total_tokens DESC
	`, filters.StartTime, filters.EndTime, filters.AgentID, filters.GraphID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var mu ModelUsage
		var inputTotal, outputTotal int
		if err := rows.Scan(&model, &inputTotal, &outputTotal, &mu.Tokens, &mu.Cost, &mu.Requests); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		report.ModelBreakdown[model] = mu
		report.TotalTokens += mu.Tokens
		report.TotalCostUSD += mu.Cost
		report.RequestCount += mu.Requests
	}
	return report, rows.Err()
}
