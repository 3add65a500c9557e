package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/droverhq/drover/internal/circuitbreaker"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/metrics"
)

// maxPostbackResult caps how much of an agent's result travels in a
// postback. The tracker links back here for the full text.
const maxPostbackResult = 4096

// Postback is the body posted to the tracker when a tracker-originated
// root agent reaches a terminal status.
type Postback struct {
	AgentID    string    `json:"agent_id"`
	IssueID    string    `json:"issue_id"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	TokensUsed int       `json:"tokens_used"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier posts root-agent terminal transitions back to the tracker.
// HandleAgentTerminal runs as a lifecycle terminal hook, so it only
// enqueues; a single worker paces deliveries and retries a bounded number
// of times. Postbacks are advisory and are dropped when the queue is full
// or the endpoint stays down.
type Notifier struct {
	cfg     Config
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger

	queue  chan Postback
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates the outbound notifier. It does nothing until Start.
func NewNotifier(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "tracker", "tracker", logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:  logger,
		queue:   make(chan Postback, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
	n.logger.Info("Tracker notifier started",
		zap.String("postback_url", n.cfg.PostbackURL),
		zap.Float64("rate_per_second", n.cfg.RatePerSecond),
	)
}

// Stop cancels in-flight delivery and waits for the worker. Queued
// postbacks that never got sent are lost, which is the contract.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
}

// HandleAgentTerminal enqueues a postback for tracker-originated root
// agents and ignores everything else. Registered as a lifecycle terminal
// hook, so it must not block.
func (n *Notifier) HandleAgentTerminal(ctx context.Context, agent *db.Agent) {
	if agent.ParentID != nil {
		return
	}
	issueID, ok := agent.Metadata[MetaIssueID].(string)
	if !ok || issueID == "" {
		return
	}

	pb := Postback{
		AgentID:    agent.ID.String(),
		IssueID:    issueID,
		Status:     agent.Status,
		TokensUsed: agent.TokensUsed,
		Timestamp:  time.Now(),
	}
	if agent.Result != nil {
		pb.Result = truncate(*agent.Result, maxPostbackResult)
	}
	if agent.Error != nil {
		pb.Error = *agent.Error
	}

	select {
	case n.queue <- pb:
	default:
		metrics.TrackerPostbacks.WithLabelValues("dropped").Inc()
		n.logger.Warn("Postback queue full, dropping",
			zap.String("agent_id", pb.AgentID),
			zap.String("issue_id", pb.IssueID),
		)
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case pb := <-n.queue:
			n.deliver(pb)
		}
	}
}

// deliver posts with pacing and bounded retry. A breaker-open error ends
// the attempts early; the endpoint is down and the queue should not stall
// behind it.
func (n *Notifier) deliver(pb Postback) {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if err := n.limiter.Wait(n.ctx); err != nil {
			return
		}

		lastErr = n.post(pb)
		if lastErr == nil {
			metrics.TrackerPostbacks.WithLabelValues("delivered").Inc()
			n.logger.Debug("Postback delivered",
				zap.String("agent_id", pb.AgentID),
				zap.String("issue_id", pb.IssueID),
				zap.String("status", pb.Status),
				zap.Int("attempt", attempt),
			)
			return
		}
		if errors.Is(lastErr, circuitbreaker.ErrCircuitBreakerOpen) {
			break
		}

		if attempt < n.cfg.MaxAttempts {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	metrics.TrackerPostbacks.WithLabelValues("failed").Inc()
	n.logger.Warn("Postback failed, giving up",
		zap.String("agent_id", pb.AgentID),
		zap.String("issue_id", pb.IssueID),
		zap.Error(lastErr),
	)
}

func (n *Notifier) post(pb Postback) error {
	body, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("failed to encode postback: %w", err)
	}

	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.cfg.PostbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build postback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.PostbackToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.PostbackToken)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to tracker: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
