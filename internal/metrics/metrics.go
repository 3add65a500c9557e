package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent lifecycle metrics
	AgentsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_agents_spawned_total",
			Help: "Total number of agents spawned",
		},
		[]string{"role"},
	)

	AgentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_agent_transitions_total",
			Help: "Total number of agent status transitions",
		},
		[]string{"status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 120000},
		},
		[]string{"role"},
	)

	AgentsExecuting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_agents_executing",
			Help: "Number of agent executions currently in flight",
		},
	)

	ClaimLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_claim_latency_seconds",
			Help:    "Time to claim a batch of pending agents",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Budget metrics
	TokensConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tokens_consumed_total",
			Help: "Total tokens charged against agent budgets",
		},
	)

	TokensReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tokens_reclaimed_total",
			Help: "Total unused tokens returned to parent budgets",
		},
	)

	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_task_cost_usd",
			Help:    "Cost in USD per agent execution",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	BackpressureDelays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_backpressure_delays_total",
			Help: "Total execution delays applied by budget pressure level",
		},
		[]string{"level"},
	)

	// Executor metrics
	ExecutorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_executor_requests_total",
			Help: "Total number of executor invocations",
		},
		[]string{"status"},
	)

	ExecutorLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_executor_latency_seconds",
			Help:    "Executor invocation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 60, 180},
		},
	)

	// Message queue metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_messages_sent_total",
			Help: "Total number of messages enqueued",
		},
	)

	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_messages_delivered_total",
			Help: "Total number of messages claimed by recipients",
		},
	)

	MessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_messages_processed_total",
			Help: "Total number of messages acknowledged",
		},
	)

	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_messages_purged_total",
			Help: "Total number of processed messages removed by retention",
		},
	)

	// Workflow metrics
	WorkflowsInstantiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_workflows_instantiated_total",
			Help: "Total number of workflow graphs instantiated from templates",
		},
	)

	WorkflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_workflows_finished_total",
			Help: "Total number of workflow graphs that reached a final status",
		},
		[]string{"status"},
	)

	WorkflowNodesSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_workflow_nodes_spawned_total",
			Help: "Total number of workflow node agents spawned",
		},
	)

	PollerActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_poller_actions_total",
			Help: "Total reconciliation actions taken by the workflow poller",
		},
		[]string{"action"},
	)

	PollerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_poller_tick_duration_seconds",
			Help:    "Workflow poller tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Work-tracker adaptor metrics
	TrackerEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tracker_events_received_total",
			Help: "Inbound tracker webhook events by outcome",
		},
		[]string{"outcome"},
	)

	TrackerPostbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tracker_postbacks_total",
			Help: "Outbound tracker postbacks by result",
		},
		[]string{"result"},
	)
)

// RecordSpawn records a successful agent spawn.
func RecordSpawn(role string) {
	AgentsSpawned.WithLabelValues(role).Inc()
}

// RecordTransition records an agent status transition.
func RecordTransition(status string) {
	AgentTransitions.WithLabelValues(status).Inc()
}

// RecordExecution records one finished agent execution.
func RecordExecution(role string, durationMs float64, tokensUsed int, costUSD float64) {
	AgentExecutionDuration.WithLabelValues(role).Observe(durationMs)
	if tokensUsed > 0 {
		TokensConsumed.Add(float64(tokensUsed))
	}
	if costUSD > 0 {
		TaskCostUSD.Observe(costUSD)
	}
}

// RecordExecutorCall records one executor HTTP invocation.
func RecordExecutorCall(status string, durationSeconds float64) {
	ExecutorRequests.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		ExecutorLatency.Observe(durationSeconds)
	}
}

// RecordPollerPass records one workflow poller tick.
func RecordPollerPass(reconciled, rescued, advanced int, durationSeconds float64) {
	if reconciled > 0 {
		PollerActions.WithLabelValues("reconciled").Add(float64(reconciled))
	}
	if rescued > 0 {
		PollerActions.WithLabelValues("rescued").Add(float64(rescued))
	}
	if advanced > 0 {
		PollerActions.WithLabelValues("advanced").Add(float64(advanced))
	}
	PollerTickDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(handler, method, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(handler, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(handler).Observe(durationSeconds)
}
