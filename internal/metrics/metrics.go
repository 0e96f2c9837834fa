package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_name"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_workflows_completed_total",
			Help: "Total number of workflows reaching a terminal status",
		},
		[]string{"workflow_name", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskweave_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow_name", "status"},
	)

	WorkflowsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_workflows_resumed_total",
			Help: "Total number of workflows resumed from a checkpoint",
		},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_steps_executed_total",
			Help: "Total number of step attempts by outcome",
		},
		[]string{"outcome"},
	)

	StepRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_step_retries_total",
			Help: "Total number of step retry transitions",
		},
	)

	StepTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_step_timeouts_total",
			Help: "Total number of step attempts ended by deadline",
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskweave_step_duration_ms",
			Help:    "Step execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"agent"},
	)

	// Routing metrics
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_routing_decisions_total",
			Help: "Total number of routing decisions per agent",
		},
		[]string{"agent"},
	)

	RoutingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_routing_failures_total",
			Help: "Total number of route calls with no eligible agent",
		},
	)

	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskweave_agents_registered",
			Help: "Number of currently registered agents",
		},
	)

	AgentTasksInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskweave_agent_tasks_in_flight",
			Help: "Tasks currently assigned to each agent",
		},
		[]string{"agent"},
	)

	DispatchThrottles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_agent_dispatch_throttled_total",
			Help: "Dispatches delayed by the per-agent rate limiter",
		},
		[]string{"agent"},
	)

	// Memory metrics
	MessagesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_memory_messages_added_total",
			Help: "Total messages admitted to working memory",
		},
		[]string{"role"},
	)

	Consolidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_memory_consolidations_total",
			Help: "Total consolidation runs",
		},
	)

	ConsolidatedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_memory_consolidated_messages_total",
			Help: "Total messages folded into summaries",
		},
	)

	WorkingMemorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskweave_memory_working_messages",
			Help: "Current number of messages in working memory",
		},
	)

	PersistentWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_memory_persistent_writes_total",
			Help: "Persistent log writes by status",
		},
		[]string{"status"},
	)

	RetrievalQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_memory_retrieval_queries_total",
			Help: "Memory retrieval queries by strategy",
		},
		[]string{"strategy"},
	)

	// Context builder metrics
	ContextBuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_context_builds_total",
			Help: "Total task context builds",
		},
	)

	ContextBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskweave_context_build_duration_seconds",
			Help:    "Context build duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskweave_context_tokens",
			Help:    "Estimated token size of built contexts",
			Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
	)

	// Compression metrics
	CompressionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_compression_runs_total",
			Help: "Compression pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	CompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskweave_compression_ratio",
			Help:    "Achieved compression ratio (compressed/original tokens)",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Checkpoint metrics
	CheckpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_checkpoint_saves_total",
			Help: "Checkpoint save attempts by status",
		},
		[]string{"status"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_events_published_total",
			Help: "Total events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskweave_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskweave_event_subscribers",
			Help: "Number of active event subscribers",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_embedding_requests_total",
			Help: "Embedding requests by status",
		},
		[]string{"status"},
	)

	// Orchestrator metrics
	GoalsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskweave_goals_submitted_total",
			Help: "Goals submitted to the orchestrator by terminal workflow status",
		},
		[]string{"status"},
	)
)

// RecordWorkflowMetrics records workflow-level counters and duration in one call.
func RecordWorkflowMetrics(name, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(name, status).Inc()
	WorkflowDuration.WithLabelValues(name, status).Observe(durationSeconds)
}

// RecordStepMetrics records a finished step attempt.
func RecordStepMetrics(agent, outcome string, durationMs float64) {
	StepsExecuted.WithLabelValues(outcome).Inc()
	if agent != "" {
		StepDuration.WithLabelValues(agent).Observe(durationMs)
	}
}

// RecordCompression records a compression run outcome and achieved ratio.
func RecordCompression(outcome string, ratio float64) {
	CompressionRuns.WithLabelValues(outcome).Inc()
	if ratio > 0 {
		CompressionRatio.Observe(ratio)
	}
}
