package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/metrics"
)

// RetentionConfig controls the processed-message sweep and the history
// prune for accounting and event log rows.
type RetentionConfig struct {
	Interval      time.Duration `mapstructure:"interval"`        // how often to sweep
	MaxAge        time.Duration `mapstructure:"max_age"`         // processed rows older than this are deleted
	HistoryMaxAge time.Duration `mapstructure:"history_max_age"` // token usage and event logs older than this are pruned
	BatchSize     int           `mapstructure:"batch_size"`      // rows per delete statement
}

// DefaultRetentionConfig sweeps every 10 minutes, keeping processed rows
// for 24 hours and history for 7 days.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Interval:      10 * time.Minute,
		MaxAge:        24 * time.Hour,
		HistoryMaxAge: 7 * 24 * time.Hour,
		BatchSize:     1000,
	}
}

// Retention deletes acknowledged messages past their retention age and
// prunes token usage and event log rows past the history horizon.
// Pending and delivered rows are never touched; at-least-once
// redelivery depends on them surviving until acknowledged.
type Retention struct {
	client *db.Client
	logger *zap.Logger
	config RetentionConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRetention creates the sweeper; call Start to begin sweeping.
func NewRetention(client *db.Client, logger *zap.Logger, config RetentionConfig) *Retention {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.HistoryMaxAge <= 0 {
		config.HistoryMaxAge = 7 * 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	return &Retention{
		client: client,
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background sweep loop
func (r *Retention) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("Retention sweeper started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("max_age", r.config.MaxAge),
		zap.Duration("history_max_age", r.config.HistoryMaxAge),
	)
}

// Stop halts the loop and waits for an in-flight sweep to finish
func (r *Retention) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Retention) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			deleted, err := r.SweepOnce(ctx)
			if err != nil {
				r.logger.Error("Message retention sweep failed", zap.Error(err))
			} else if deleted > 0 {
				r.logger.Info("Swept processed messages", zap.Int64("deleted", deleted))
			}

			tokens, events, err := r.SweepHistory(ctx)
			if err != nil {
				r.logger.Error("History prune failed", zap.Error(err))
			} else if tokens > 0 || events > 0 {
				r.logger.Info("Pruned history",
					zap.Int64("token_usage", tokens),
					zap.Int64("event_logs", events),
				)
			}
			cancel()
		}
	}
}

// SweepOnce deletes processed rows older than MaxAge in batches until a
// batch comes back short, and returns the total deleted.
func (r *Retention) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.config.MaxAge)

	return r.drainBatches(ctx, func(ctx context.Context) (int64, error) {
		res, err := r.client.Wrapper().ExecContext(ctx, `
			DELETE FROM messages
			WHERE id IN (
				SELECT id FROM messages
				WHERE status = 'processed' AND processed_at < $1
				LIMIT $2
			)`,
			cutoff, r.config.BatchSize,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to sweep messages: %w", err)
		}
		deleted, _ := res.RowsAffected()
		if deleted > 0 {
			metrics.MessagesPurged.Add(float64(deleted))
		}
		return deleted, nil
	})
}

// SweepHistory prunes token usage and event log rows older than the
// history horizon, and returns totals per table.
func (r *Retention) SweepHistory(ctx context.Context) (int64, int64, error) {
	cutoff := time.Now().Add(-r.config.HistoryMaxAge)

	tokens, err := r.drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return r.client.PruneTokenUsage(ctx, cutoff, r.config.BatchSize)
	})
	if err != nil {
		return tokens, 0, err
	}

	events, err := r.drainBatches(ctx, func(ctx context.Context) (int64, error) {
		return r.client.PruneEventLogs(ctx, cutoff, r.config.BatchSize)
	})
	return tokens, events, err
}

// drainBatches runs prune until a batch comes back short, checking for
// shutdown between batches.
func (r *Retention) drainBatches(ctx context.Context, prune func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		deleted, err := prune(ctx)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(r.config.BatchSize) {
			return total, nil
		}
		select {
		case <-r.stopCh:
			return total, nil
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}
