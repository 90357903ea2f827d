// Package metrics provides Prometheus metrics for the ledger (RED + chain
// health). Scrapeable at /metrics; runbooks and dashboards rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledger"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// AppendTotal counts append attempts by outcome
	// (committed, encoding_error, integrity_error, error).
	AppendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Total number of ledger append attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// AppendDurationSeconds measures the full append path including the
	// serialization point wait.
	AppendDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Ledger append duration in seconds, including tail lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
	)

	// VerifyRunsTotal counts verification runs by result (ok, failed, error).
	VerifyRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_runs_total",
			Help:      "Total number of chain verification runs by result.",
		},
		[]string{"result"},
	)

	// VerifyEntriesCheckedTotal counts entries whose hashes were recomputed.
	VerifyEntriesCheckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_entries_checked_total",
			Help:      "Total number of entries checked during verification runs.",
		},
	)

	// ArchiveRunsTotal counts archive operations by result (ok, aborted).
	ArchiveRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_runs_total",
			Help:      "Total number of archive operations by result.",
		},
		[]string{"result"},
	)

	// ArchivedEntriesTotal counts entries relocated to cold storage.
	ArchivedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_entries_total",
			Help:      "Total number of entries relocated to cold storage.",
		},
	)

	// ChainHalted is 1 when ingestion is halted pending operator
	// intervention, 0 otherwise. Alert on this.
	ChainHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_halted",
			Help:      "Whether ledger ingestion is halted after an integrity error (0/1).",
		},
	)

	// DBQueryDurationSeconds measures repository query latency by operation.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)
)
