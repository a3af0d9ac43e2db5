package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "safewatch_agent"

var (
	// TicksTotal counts scheduler ticks by outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Scheduler ticks by outcome.",
	}, []string{"outcome"})

	// GateDecisions counts gate evaluations per stage.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_decisions_total",
		Help:      "Gate evaluations per stage and result.",
	}, []string{"stage", "result"})

	// CrisisCheckDuration records protection-check latency.
	CrisisCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "crisis_check_duration_seconds",
		Help:      "Protection check latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	// CrisisBudgetExceeded counts checks that blew the latency budget.
	CrisisBudgetExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crisis_budget_exceeded_total",
		Help:      "Protection checks exceeding the latency budget.",
	})

	// CrisisFallbacks counts cache rebuilds from the bundled default list.
	CrisisFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crisis_fallbacks_total",
		Help:      "Allowlist cache rebuilds from bundled defaults.",
	}, []string{"reason"})

	// ItemsEnqueued counts queue appends.
	ItemsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_enqueued_total",
		Help:      "Items appended to the durable queue.",
	}, []string{"kind"})

	// ItemsDropped counts items discarded without an upload.
	ItemsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_dropped_total",
		Help:      "Items discarded without upload.",
	}, []string{"reason"})

	// UploadsTotal counts upload attempts by result.
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_total",
		Help:      "Upload attempts by result.",
	}, []string{"result"})

	// UploadDuration records upload latency.
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Upload request latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	})

	// QueueDepth tracks the current durable queue size.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current durable queue size.",
	})

	// EventLogSize tracks the current event log entry count.
	EventLogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_log_size",
		Help:      "Current event log entry count.",
	})

	// EventsDropped counts event-log writes that degraded to a no-op.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Event log writes degraded to no-op on storage failure.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// NeedsAttention reflects the status indicator signal.
	NeedsAttention = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "needs_attention",
		Help:      "1 when the status indicator signals needs-attention.",
	})

	// AllowlistDomains tracks the size of the active protected-domain cache.
	AllowlistDomains = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "allowlist_domains",
		Help:      "Domains in the active protection cache.",
	})

	// AllowlistRefreshes counts remote allowlist refresh attempts.
	AllowlistRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allowlist_refreshes_total",
		Help:      "Remote allowlist refresh attempts by result.",
	}, []string{"result"})

	// BridgeCalls counts raw bridge API calls.
	BridgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_calls_total",
		Help:      "Raw browser-bridge API call counts.",
	}, []string{"endpoint", "status"})
)
