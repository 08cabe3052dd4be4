// Package metrics provides Prometheus metrics for rankstream.
// It tracks event ingestion, ranking queries, worker backlog, and
// snapshotting to help identify bottlenecks and measure freshness SLOs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rankstream"
)

// Event metrics track the ingestion pipeline.
var (
	// EventsReceivedTotal counts events received from the log or the API.
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of events received",
		},
		[]string{"scope", "op"},
	)

	// EventsInvalidTotal counts malformed events dropped at the router.
	EventsInvalidTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_invalid_total",
			Help:      "Total number of malformed events dropped",
		},
	)

	// EventsDuplicateTotal counts redelivered events absorbed by dedup.
	EventsDuplicateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total number of duplicate events absorbed",
		},
		[]string{"scope"},
	)

	// EventsLateTotal counts events routed through the late-event reconciler.
	EventsLateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_late_total",
			Help:      "Total number of late events reconciled into closed buckets",
		},
		[]string{"scope"},
	)

	// EventsExpiredTotal counts events dropped beyond the reconcile horizon.
	EventsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_expired_total",
			Help:      "Total number of events dropped beyond the reconcile horizon",
		},
		[]string{"scope"},
	)

	// ReconciledEventsTotal counts late deltas applied to closed buckets.
	ReconciledEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_events_total",
			Help:      "Total number of late deltas applied to historical buckets",
		},
		[]string{"scope"},
	)

	// EventsCoalescedTotal counts deltas merged by worker load shedding.
	EventsCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_coalesced_total",
			Help:      "Total number of same-key deltas merged under backpressure",
		},
	)

	// IngestLatency measures time from API receipt to queue publish.
	IngestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_latency_seconds",
			Help:      "Time from event receipt to queue publish in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// StreamLagSeconds tracks how far behind the consumer is on the event log.
	StreamLagSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_lag_seconds",
			Help:      "Age of the most recently consumed event in seconds",
		},
	)
)

// Query metrics track the serving path.
var (
	// QueriesTotal counts top-K queries by mode and result.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of top-K queries",
		},
		[]string{"mode", "result"}, // result: ok, partial, stale, error
	)

	// QueryLatency measures end-to-end top-K query latency.
	QueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Top-K query latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"mode"},
	)

	// CandidateSetSize tracks the number of candidates resolved per hybrid query.
	CandidateSetSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidate_set_size",
			Help:      "Number of tracker candidates resolved per hybrid query",
			Buckets:   []float64{8, 16, 32, 64, 128, 256, 512, 1024},
		},
	)
)

// State metrics track the size and freshness of in-memory structures.
var (
	// WorkerMailboxDepth tracks the backlog of each scope-shard worker.
	WorkerMailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_mailbox_depth",
			Help:      "Current number of pending ops in a worker mailbox",
		},
		[]string{"shard"},
	)

	// TrackerEntries tracks the number of entries per candidate table.
	TrackerEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracker_entries",
			Help:      "Current number of entries in a candidate table",
		},
		[]string{"scope", "window"},
	)

	// ScopeCardinality tracks the number of distinct items per scope.
	ScopeCardinality = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scope_cardinality",
			Help:      "Number of distinct items with counters in a scope",
		},
		[]string{"scope"},
	)

	// DedupStoreSize tracks the number of retained event IDs.
	DedupStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_store_size",
			Help:      "Number of event IDs currently retained for deduplication",
		},
	)
)

// Snapshot metrics track the persistence loop.
var (
	// SnapshotsTotal counts snapshot attempts by outcome.
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of snapshot attempts",
		},
		[]string{"scope", "status"}, // status: success, failure
	)

	// SnapshotLatency measures time to serialize and persist one scope.
	SnapshotLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_latency_seconds",
			Help:      "Time to persist one scope snapshot in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// SnapshotFallbacksTotal counts recoveries that skipped a corrupt version.
	SnapshotFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_fallbacks_total",
			Help:      "Total number of recoveries that fell back past a corrupt snapshot",
		},
		[]string{"scope"},
	)
)
