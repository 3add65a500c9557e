// Package tracker adapts an external work tracker to the orchestrator.
// Inbound webhook events are matched against configured spawn rules and
// become root agents; outbound, terminal transitions of tracker-originated
// roots are posted back to the tracker endpoint.
package tracker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/metrics"
)

// Metadata keys stamped onto tracker-originated agents. The notifier uses
// them to find the issue a terminal transition belongs to.
const (
	MetaIssueID = "tracker_issue_id"
	MetaEvent   = "tracker_event"
)

// Config holds the adaptor configuration for both directions.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	WebhookToken string `mapstructure:"webhook_token"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`

	PostbackURL   string        `mapstructure:"postback_url"`
	PostbackToken string        `mapstructure:"postback_token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`

	Rules []SpawnRule `mapstructure:"rules"`
}

// SpawnRule maps one class of tracker event to a root-agent spawn. An empty
// Label matches any event of the type; a set Label requires the event to
// carry it.
type SpawnRule struct {
	EventType    string `mapstructure:"event_type" json:"event_type"`
	Label        string `mapstructure:"label" json:"label,omitempty"`
	Role         string `mapstructure:"role" json:"role"`
	TaskTemplate string `mapstructure:"task_template" json:"task_template"`
	Budget       int    `mapstructure:"budget" json:"budget"`
	ModelHint    string `mapstructure:"model_hint" json:"model_hint,omitempty"`
}

// Event is one inbound tracker webhook payload.
type Event struct {
	Type    string   `json:"type"`
	IssueID string   `json:"issue_id"`
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

// AgentSpawner is the slice of the lifecycle service the adaptor needs.
type AgentSpawner interface {
	Spawn(ctx context.Context, req lifecycle.SpawnRequest) (*db.Agent, error)
}

// Service matches inbound events against spawn rules.
type Service struct {
	spawner AgentSpawner
	rules   []SpawnRule
	logger  *zap.Logger
}

// NewService creates the inbound event service.
func NewService(spawner AgentSpawner, rules []SpawnRule, logger *zap.Logger) *Service {
	return &Service{
		spawner: spawner,
		rules:   rules,
		logger:  logger,
	}
}

// HandleEvent matches the event against the rule set and spawns a root
// agent on the first matching rule. The bool reports whether any rule
// matched; an unmatched event is not an error.
func (s *Service) HandleEvent(ctx context.Context, evt Event) (*db.Agent, bool, error) {
	rule := s.match(evt)
	if rule == nil {
		s.logger.Debug("No spawn rule matched tracker event",
			zap.String("event_type", evt.Type),
			zap.String("issue_id", evt.IssueID),
		)
		return nil, false, nil
	}

	agent, err := s.spawner.Spawn(ctx, lifecycle.SpawnRequest{
		Role:      rule.Role,
		Task:      expandTemplate(rule.TaskTemplate, evt),
		Budget:    rule.Budget,
		ModelHint: rule.ModelHint,
		Source:    "tracker",
		Metadata: db.JSONB{
			MetaIssueID: evt.IssueID,
			MetaEvent:   evt.Type,
		},
	})
	if err != nil {
		return nil, true, fmt.Errorf("failed to spawn for tracker event: %w", err)
	}

	metrics.TrackerEventsReceived.WithLabelValues("spawned").Inc()
	s.logger.Info("Tracker event spawned agent",
		zap.String("event_type", evt.Type),
		zap.String("issue_id", evt.IssueID),
		zap.String("agent_id", agent.ID.String()),
		zap.String("role", rule.Role),
		zap.Int("budget", rule.Budget),
	)
	return agent, true, nil
}

// match returns the first rule the event satisfies, in configuration order.
func (s *Service) match(evt Event) *SpawnRule {
	for i := range s.rules {
		rule := &s.rules[i]
		if rule.EventType != evt.Type {
			continue
		}
		if rule.Label != "" && !slices.Contains(evt.Labels, rule.Label) {
			continue
		}
		return rule
	}
	return nil
}

// expandTemplate substitutes event fields into the task template.
func expandTemplate(template string, evt Event) string {
	return strings.NewReplacer(
		"{TITLE}", evt.Title,
		"{BODY}", evt.Body,
		"{ISSUE_ID}", evt.IssueID,
	).Replace(template)
}
