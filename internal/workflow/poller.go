package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/metrics"
)

// PollerConfig tunes the reconciliation loop.
type PollerConfig struct {
	// Interval between ticks. Default 5s.
	Interval time.Duration `mapstructure:"interval"`
	// BatchSize caps rows handled per tick per query. Default 100.
	BatchSize int `mapstructure:"batch_size"`
	// StaleSpawnAfter is how long a node may sit in 'spawning' before the
	// poller declares the spawn interrupted. Default 60s.
	StaleSpawnAfter time.Duration `mapstructure:"stale_spawn_after"`
	// TickTimeout bounds one tick's work. Default 30s.
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// DefaultPollerConfig returns the production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:        5 * time.Second,
		BatchSize:       100,
		StaleSpawnAfter: 60 * time.Second,
		TickTimeout:     30 * time.Second,
	}
}

// Poller closes the loop the event path can miss: agents that reached a
// terminal state outside the engine (crash recovery, external termination),
// interrupted spawns, and graphs stuck between a node update and the next
// frontier.
type Poller struct {
	client *db.Client
	engine *Engine
	logger *zap.Logger
	config PollerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller creates a workflow poller.
func NewPoller(client *db.Client, engine *Engine, config PollerConfig, logger *zap.Logger) *Poller {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.StaleSpawnAfter <= 0 {
		config.StaleSpawnAfter = 60 * time.Second
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 30 * time.Second
	}
	return &Poller{
		client: client,
		engine: engine,
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.loop()
	p.logger.Info("Workflow poller started",
		zap.Duration("interval", p.config.Interval),
		zap.Int("batch_size", p.config.BatchSize),
	)
}

// Stop halts the loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Workflow poller stopped")
}

func (p *Poller) loop() {
	defer p.wg.Done()

	// Desync replicas so ticks do not line up across processes
	jitter := time.Duration(rand.Int63n(int64(p.config.Interval)/2 + 1))
	select {
	case <-time.After(jitter):
	case <-p.stopCh:
		return
	}

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.TickTimeout)
			stats, err := p.RunOnce(ctx)
			cancel()
			if err != nil {
				p.logger.Error("Workflow poller tick failed", zap.Error(err))
				continue
			}
			if stats.Reconciled > 0 || stats.Rescued > 0 || stats.Advanced > 0 {
				p.logger.Info("Workflow poller tick",
					zap.Int("reconciled", stats.Reconciled),
					zap.Int("rescued", stats.Rescued),
					zap.Int("advanced", stats.Advanced),
				)
			}
		case <-p.stopCh:
			return
		}
	}
}

// TickStats reports what one poller pass did.
type TickStats struct {
	// Reconciled is terminal agents routed into the engine.
	Reconciled int
	// Rescued is stale spawning nodes declared failed.
	Rescued int
	// Advanced is node spawns triggered while sweeping active graphs.
	Advanced int
}

// RunOnce performs a single reconciliation pass.
func (p *Poller) RunOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats
	start := time.Now()
	defer func() {
		metrics.RecordPollerPass(stats.Reconciled, stats.Rescued, stats.Advanced, time.Since(start).Seconds())
	}()

	n, err := p.reconcileTerminalAgents(ctx)
	stats.Reconciled = n
	if err != nil {
		return stats, err
	}

	n, err = p.rescueStaleSpawns(ctx)
	stats.Rescued = n
	if err != nil {
		return stats, err
	}

	n, err = p.advanceActiveGraphs(ctx)
	stats.Advanced = n
	if err != nil {
		return stats, err
	}

	return stats, nil
}

// reconcileTerminalAgents routes executing nodes whose agents already
// finished into the engine. The engine's guarded updates absorb duplicates
// against the event path.
func (p *Poller) reconcileTerminalAgents(ctx context.Context) (int, error) {
	rows, err := p.client.Wrapper().QueryContext(ctx, `
		SELECT n.agent_id, a.status, a.result, a.error
		FROM workflow_nodes n
		JOIN agents a ON a.id = n.agent_id
		WHERE n.execution_status = 'executing'
		  AND a.status IN ('completed', 'failed', 'terminated')
		LIMIT $1`,
		p.config.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query terminal node agents: %w", err)
	}
	defer rows.Close()

	type terminal struct {
		agentID uuid.UUID
		status  string
		result  *string
		errMsg  *string
	}
	var found []terminal
	for rows.Next() {
		var t terminal
		if err := rows.Scan(&t.agentID, &t.status, &t.result, &t.errMsg); err != nil {
			return 0, fmt.Errorf("failed to scan terminal node agent: %w", err)
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	handled := 0
	for _, t := range found {
		var err error
		switch t.status {
		case db.AgentStatusCompleted:
			err = p.engine.ProcessCompletedNode(ctx, t.agentID, resultEnvelope(t.result))
		case db.AgentStatusFailed:
			err = p.engine.ProcessFailedNode(ctx, t.agentID, errText(t.errMsg, "agent failed"))
		case db.AgentStatusTerminated:
			err = p.engine.ProcessFailedNode(ctx, t.agentID, errText(t.errMsg, "agent terminated"))
		}
		if err != nil {
			p.logger.Error("Failed to reconcile terminal node agent",
				zap.String("agent_id", t.agentID.String()),
				zap.String("agent_status", t.status),
				zap.Error(err))
			continue
		}
		handled++
	}
	return handled, nil
}

// rescueStaleSpawns fails nodes stuck in 'spawning' past the deadline. A
// spawn interrupted between agent creation and binding leaves the agent to
// run out its course; its terminal hook finds no executing node and no-ops.
func (p *Poller) rescueStaleSpawns(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.config.StaleSpawnAfter)
	rows, err := p.client.Wrapper().QueryContext(ctx, `
		SELECT id, workflow_graph_id, node_key
		FROM workflow_nodes
		WHERE execution_status = 'spawning' AND updated_at < $1
		LIMIT $2`,
		cutoff, p.config.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale spawns: %w", err)
	}
	defer rows.Close()

	type stale struct {
		id      uuid.UUID
		graphID uuid.UUID
		nodeKey string
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.graphID, &s.nodeKey); err != nil {
			return 0, fmt.Errorf("failed to scan stale spawn: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	rescued := 0
	for _, s := range found {
		res, err := p.client.Wrapper().ExecContext(ctx, `
			UPDATE workflow_nodes
			SET execution_status = 'failed', error_message = 'spawn interrupted', completion_timestamp = now()
			WHERE id = $1 AND execution_status = 'spawning'`,
			s.id,
		)
		if err != nil {
			p.logger.Error("Failed to rescue stale spawn",
				zap.String("node_key", s.nodeKey),
				zap.Error(err))
			continue
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		if _, err := p.engine.skipDependents(ctx, s.graphID, s.nodeKey); err != nil {
			p.logger.Error("Failed to skip dependents of stale spawn",
				zap.String("node_key", s.nodeKey),
				zap.Error(err))
		}
		p.engine.failGraph(ctx, s.graphID)
		rescued++

		p.logger.Warn("Rescued stale spawning node",
			zap.String("graph_id", s.graphID.String()),
			zap.String("node_key", s.nodeKey))
	}
	return rescued, nil
}

// advanceActiveGraphs sweeps active graphs so completions whose follow-up
// spawns were lost to a crash still move, and all-terminal graphs settle.
func (p *Poller) advanceActiveGraphs(ctx context.Context) (int, error) {
	rows, err := p.client.Wrapper().QueryContext(ctx, `
		SELECT id FROM workflow_graphs
		WHERE status = 'active'
		ORDER BY created_at ASC
		LIMIT $1`,
		p.config.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to list active graphs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to scan graph id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	advanced := 0
	for _, id := range ids {
		spawned, err := p.engine.advanceGraph(ctx, id)
		if err != nil {
			p.logger.Error("Failed to advance graph",
				zap.String("graph_id", id.String()),
				zap.Error(err))
			continue
		}
		advanced += spawned
	}
	return advanced, nil
}
