package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval     = 30 * time.Second
	defaultCheckTimeout = 5 * time.Second
)

// Manager owns the registered checkers and a cache of their last
// results. Start launches a refresh loop; the read side answers from
// the cache and only probes inline when the cache is empty.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	started  bool

	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a health manager. Non-positive interval or timeout
// fall back to defaults.
func NewManager(interval, timeout time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register adds a checker. Re-registering a name replaces the previous
// checker and clears its cached result.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	delete(m.last, c.Name())
	m.mu.Unlock()

	m.logger.Info("Health checker registered",
		zap.String("component", c.Name()),
		zap.Bool("critical", c.IsCritical()),
	)
}

// Start launches the background refresh loop. Safe to call once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop()
	m.logger.Info("Health manager started", zap.Duration("interval", m.interval))
}

// Stop halts the background loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	m.logger.Info("Health manager stopped")
}

func (m *Manager) loop() {
	defer close(m.doneCh)

	// Prime the cache so probes have data before the first tick.
	m.RunChecks(context.Background())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunChecks(context.Background())
		}
	}
}

// RunChecks probes every registered checker once and refreshes the
// cache. Checks run concurrently, each under its own timeout.
func (m *Manager) RunChecks(ctx context.Context) map[string]CheckResult {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			r := m.runCheck(ctx, c)
			resMu.Lock()
			results[c.Name()] = r
			resMu.Unlock()
		}(c)
	}
	wg.Wait()

	m.mu.Lock()
	for name, r := range results {
		m.last[name] = r
	}
	m.mu.Unlock()

	return results
}

// runCheck executes one probe under its timeout. A checker that never
// returns only parks its goroutine; the sweep itself moves on.
func (m *Manager) runCheck(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = m.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan CheckResult, 1)
	go func() {
		resCh <- c.Check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-resCh:
	case <-ctx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "health check timed out",
			Error:   ctx.Err().Error(),
		}
	}

	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = time.Now()

	if result.Status == StatusUnhealthy {
		m.logger.Warn("Health check failed",
			zap.String("component", c.Name()),
			zap.String("message", result.Message),
			zap.String("error", result.Error),
			zap.Duration("duration", result.Duration),
		)
	}
	return result
}

// GetLastResults returns a copy of the cached results.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CheckResult, len(m.last))
	for name, r := range m.last {
		out[name] = r
	}
	return out
}

// GetOverallHealth summarizes the service from cached results. When the
// cache is empty, before Start or right after a Register, it runs one
// sweep inline so the caller never sees a false unknown.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	results := m.GetLastResults()
	if len(results) == 0 && m.checkerCount() > 0 {
		results = m.RunChecks(ctx)
	}
	overall, _ := summarize(results)
	return overall
}

// GetDetailedHealth runs a fresh sweep and returns per-component
// results. Intended for operators, not probes.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	results := m.RunChecks(ctx)
	overall, summary := summarize(results)
	return DetailedHealth{
		Overall:    overall,
		Components: results,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

// CachedDetailedHealth builds the detailed view from cached results
// without touching any dependency.
func (m *Manager) CachedDetailedHealth() DetailedHealth {
	results := m.GetLastResults()
	overall, summary := summarize(results)
	return DetailedHealth{
		Overall:    overall,
		Components: results,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

// IsReady reports whether the service should receive traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the process should keep running.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

func (m *Manager) checkerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkers)
}

// summarize folds per-component results into the overall verdict. A
// critical failure flips readiness; degraded components and non-critical
// failures only mark the service degraded.
func summarize(results map[string]CheckResult) (OverallHealth, HealthSummary) {
	summary := HealthSummary{Total: len(results)}
	criticalFailures := 0
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
			if r.Critical {
				criticalFailures++
			}
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	overall := OverallHealth{Timestamp: time.Now(), Ready: true, Live: true}
	switch {
	case summary.Total == 0:
		overall.Status = StatusUnknown
		overall.Message = "no health checks registered"
		overall.Ready = false
		overall.Live = false
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		overall.Ready = false
	case summary.Degraded > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", summary.Degraded)
	case summary.Unhealthy > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", summary.Unhealthy)
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("all %d components healthy", summary.Total)
	}
	overall.Degraded = overall.Status == StatusDegraded || summary.Degraded > 0

	return overall, summary
}
