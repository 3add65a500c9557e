package health

import (
	"context"
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/circuitbreaker"
	"github.com/droverhq/drover/internal/executor"
	"github.com/droverhq/drover/internal/workspace"
)

// Latency above which an otherwise successful probe reports degraded.
const (
	dbDegradedAfter       = 100 * time.Millisecond
	redisDegradedAfter    = 100 * time.Millisecond
	executorDegradedAfter = 1 * time.Second
)

// DatabaseChecker probes Postgres through the circuit breaker wrapper.
// Critical: without the store no agent, message or workflow survives.
type DatabaseChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
}

// NewDatabaseChecker creates a database health checker.
func NewDatabaseChecker(wrapper *circuitbreaker.DatabaseWrapper) *DatabaseChecker {
	return &DatabaseChecker{wrapper: wrapper}
}

func (c *DatabaseChecker) Name() string           { return "database" }
func (c *DatabaseChecker) IsCritical() bool       { return true }
func (c *DatabaseChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	if c.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "database circuit breaker open",
		}
	}

	start := time.Now()
	if err := c.wrapper.PingContext(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "database ping failed",
			Error:   err.Error(),
		}
	}
	latency := time.Since(start)

	stats := c.wrapper.Stats()
	details := map[string]interface{}{
		"latency_ms":       latency.Milliseconds(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}

	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "connection pool saturated",
			Details: details,
		}
	}
	if latency > dbDegradedAfter {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("database responding slowly: %v", latency),
			Details: details,
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "database responsive",
		Details: details,
	}
}

// RedisChecker probes the event mirror. Non-critical: Postgres remains
// the source of truth when the mirror is down, consumers just lose the
// live streams until it returns.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

// NewRedisChecker creates a Redis health checker.
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return false }
func (c *RedisChecker) Timeout() time.Duration { return 3 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if c.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "redis circuit breaker open",
		}
	}

	start := time.Now()
	if err := c.wrapper.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "redis ping failed",
			Error:   err.Error(),
		}
	}
	latency := time.Since(start)

	pool := c.wrapper.GetClient().PoolStats()
	details := map[string]interface{}{
		"latency_ms":  latency.Milliseconds(),
		"total_conns": pool.TotalConns,
		"idle_conns":  pool.IdleConns,
		"timeouts":    pool.Timeouts,
	}

	if latency > redisDegradedAfter {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("redis responding slowly: %v", latency),
			Details: details,
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "redis responsive",
		Details: details,
	}
}

// ExecutorChecker probes the executor's health endpoint. Non-critical:
// spawns keep queueing while the executor is away and dispatch retries
// claims when it returns.
type ExecutorChecker struct {
	client *executor.Client
}

// NewExecutorChecker creates an executor health checker.
func NewExecutorChecker(client *executor.Client) *ExecutorChecker {
	return &ExecutorChecker{client: client}
}

func (c *ExecutorChecker) Name() string           { return "executor" }
func (c *ExecutorChecker) IsCritical() bool       { return false }
func (c *ExecutorChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *ExecutorChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.client.Health(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "executor health probe failed",
			Error:   err.Error(),
		}
	}
	latency := time.Since(start)

	details := map[string]interface{}{"latency_ms": latency.Milliseconds()}
	if latency > executorDegradedAfter {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("executor responding slowly: %v", latency),
			Details: details,
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "executor reachable",
		Details: details,
	}
}

// WorkspaceChecker verifies the workspace base accepts writes.
// Non-critical: a full disk blocks new spawns but running agents and
// the API keep working.
type WorkspaceChecker struct {
	manager *workspace.Manager
}

// NewWorkspaceChecker creates a workspace health checker.
func NewWorkspaceChecker(manager *workspace.Manager) *WorkspaceChecker {
	return &WorkspaceChecker{manager: manager}
}

func (c *WorkspaceChecker) Name() string           { return "workspace" }
func (c *WorkspaceChecker) IsCritical() bool       { return false }
func (c *WorkspaceChecker) Timeout() time.Duration { return 3 * time.Second }

func (c *WorkspaceChecker) Check(ctx context.Context) CheckResult {
	details := map[string]interface{}{"base": c.manager.Base()}
	if err := c.manager.Writable(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "workspace base not writable",
			Error:   err.Error(),
			Details: details,
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: "workspace writable",
		Details: details,
	}
}
