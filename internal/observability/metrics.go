package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total API requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// API request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// scheduling outcomes per platform
	ScheduleCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_schedules_total",
			Help: "Total scheduling decisions",
		},
		[]string{"platform", "outcome"},
	)

	// publish attempts per platform and result (success/retry/failed)
	PublishAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_publish_attempts_total",
			Help: "Total publish attempts",
		},
		[]string{"platform", "result"},
	)

	// provider call latency per platform
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_provider_duration_seconds",
			Help:    "Duration of provider publish calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	// publish queue depth by status, sampled by the backpressure monitor
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_queue_depth",
			Help: "Publish log count by status",
		},
		[]string{"status"},
	)

	// webhook ingest outcomes (merged, unknown_log, bad_request)
	WebhookCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_webhooks_total",
			Help: "Total webhook payloads received",
		},
		[]string{"platform", "outcome"},
	)

	// reconciler decisions (webhook_confirmed, webhook_timeout, skipped)
	ReconcileCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_reconciles_total",
			Help: "Total reconciler decisions",
		},
		[]string{"outcome"},
	)

	// hourly publish cap hits per platform
	RateLimitDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_ratelimit_deferred_total",
			Help: "Publishes deferred by the hourly platform cap",
		},
		[]string{"platform"},
	)

	// optimizer actions by type and terminal status
	OptimizerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_optimizer_actions_total",
			Help: "Total optimization actions",
		},
		[]string{"action_type", "status"},
	)

	// guard-rail refusals by guard name
	GuardRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_guard_refusals_total",
			Help: "Total optimization actions refused by a guard",
		},
		[]string{"guard"},
	)

	// A/B evaluation outcomes (winner, needs_more_data)
	ABEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_ab_evaluations_total",
			Help: "Total A/B test evaluations",
		},
		[]string{"outcome"},
	)

	// ads orchestration saga steps by outcome
	SagaSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_saga_steps_total",
			Help: "Total ads orchestration saga steps",
		},
		[]string{"step", "outcome"},
	)

	// identity isolation violations per requesting component
	IsolationViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_isolation_violations_total",
			Help: "Total identity isolation violations detected",
		},
		[]string{"component"},
	)

	// ledger events recorded, labelled by type
	LedgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_ledger_events_total",
			Help: "Total ledger events recorded",
		},
		[]string{"type"},
	)

	// 1 when the scheduler is deferring new work, 0 otherwise
	BackpressureActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopilot_backpressure_active",
			Help: "Whether queue backpressure is engaged",
		},
	)

	// component health: 1 healthy, 0.5 degraded, 0 offline
	ComponentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopilot_component_health",
			Help: "Component health as seen by master control",
		},
		[]string{"component"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		ScheduleCount,
		PublishAttempts,
		ProviderLatency,
		QueueDepth,
		WebhookCount,
		ReconcileCount,
		RateLimitDeferred,
		OptimizerActions,
		GuardRefusals,
		ABEvaluations,
		SagaSteps,
		IsolationViolations,
		LedgerEvents,
		BackpressureActive,
		ComponentHealth,
	)
}
