package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SaveTokenUsage appends one executor accounting row.
func (c *Client) SaveTokenUsage(ctx context.Context, usage *TokenUsage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	query := `
		INSERT INTO token_usage (
			agent_id, graph_id, model, input_tokens, output_tokens,
			total_tokens, cost_usd, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	row, err := c.db.QueryRowContext(ctx, query,
		usage.AgentID, usage.GraphID, usage.Model,
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens,
		usage.CostUSD, usage.DurationMs, usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save token usage: %w", err)
	}
	if err := row.Scan(&usage.ID); err != nil {
		return fmt.Errorf("failed to save token usage: %w", err)
	}

	c.logger.Debug("Token usage saved",
		zap.String("agent_id", usage.AgentID.String()),
		zap.Int("total_tokens", usage.TotalTokens),
	)
	return nil
}

// BatchSaveTokenUsage appends accounting rows in a single transaction.
func (c *Client) BatchSaveTokenUsage(ctx context.Context, usages []*TokenUsage) error {
	if len(usages) == 0 {
		return nil
	}

	return c.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO token_usage (
				agent_id, graph_id, model, input_tokens, output_tokens,
				total_tokens, cost_usd, duration_ms, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
		if err != nil {
			return fmt.Errorf("failed to prepare token usage insert: %w", err)
		}
		defer stmt.Close()

		for _, usage := range usages {
			if usage.CreatedAt.IsZero() {
				usage.CreatedAt = time.Now()
			}
			if usage.TotalTokens == 0 {
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			}
			if _, err := stmt.ExecContext(ctx,
				usage.AgentID, usage.GraphID, usage.Model,
				usage.InputTokens, usage.OutputTokens, usage.TotalTokens,
				usage.CostUSD, usage.DurationMs, usage.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert token usage for agent %s: %w", usage.AgentID, err)
			}
		}
		return nil
	})
}

// SaveAuditLog records one control-plane action.
func (c *Client) SaveAuditLog(ctx context.Context, entry *AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO audit_logs (
			id, user_id, action, entity_type, entity_id,
			ip_address, request_id, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := c.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID,
		entry.IPAddress, entry.RequestID, entry.Details, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to save audit log: %w", err)
	}
	return nil
}

// PruneTokenUsage deletes accounting rows older than the horizon; retention
// sweeps call it in bounded batches.
func (c *Client) PruneTokenUsage(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM token_usage
		WHERE id IN (
			SELECT id FROM token_usage WHERE created_at < $1 LIMIT $2
		)`

	res, err := c.db.ExecContext(ctx, query, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune token usage: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
