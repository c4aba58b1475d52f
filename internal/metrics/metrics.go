// Package metrics exposes prometheus collectors for the agentpulse daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// LinesRead counts raw log lines read from the tailed file.
	LinesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentpulse_log_lines_read_total",
		Help: "Raw log lines read from the agent log.",
	})

	// EventsParsed counts parsed log events by kind.
	EventsParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_log_events_total",
			Help: "Log events recognized by the line parser.",
		},
		[]string{"kind"},
	)

	// RecordsEmitted counts telemetry records by status and token source.
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_records_total",
			Help: "Telemetry records produced.",
		},
		[]string{"status", "source"},
	)

	// CostUSD accumulates estimated spend per provider.
	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_cost_usd_total",
			Help: "Estimated LLM spend in USD.",
		},
		[]string{"provider"},
	)

	// OpenRuns is the number of runs currently tracked by the correlator.
	OpenRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentpulse_open_runs",
		Help: "Runs with correlator state.",
	})

	// RunsEvicted counts runs dropped for inactivity.
	RunsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentpulse_runs_evicted_total",
		Help: "Runs evicted after the idle TTL.",
	})
)

// Delivery metrics
var (
	// Flushes counts batch sends by result ("ok" or "error").
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_flushes_total",
			Help: "Batch sends to the collector.",
		},
		[]string{"result"},
	)

	// RecordsSent counts records accepted by the collector.
	RecordsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentpulse_records_sent_total",
		Help: "Records accepted by the collector.",
	})

	// RecordsDropped counts records discarded because the buffer was full.
	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentpulse_records_dropped_total",
		Help: "Records dropped on buffer overflow.",
	})

	// Buffered is the number of records waiting to be sent.
	Buffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentpulse_buffered_records",
		Help: "Records waiting in the send buffer.",
	})

	// FlushDuration observes how long a batch send takes.
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentpulse_flush_duration_seconds",
		Help:    "Batch send latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Proxy metrics
var (
	// ProxyRequests counts forwarded requests by provider and status class.
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_proxy_requests_total",
			Help: "Requests forwarded by the capture proxy.",
		},
		[]string{"provider", "code"},
	)

	// Captures counts exchanges captured for correlation.
	Captures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_proxy_captures_total",
			Help: "Request/response pairs captured.",
		},
		[]string{"provider"},
	)

	// CaptureClaims counts capture claims by result ("hit" or "miss").
	CaptureClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpulse_capture_claims_total",
			Help: "Capture claim attempts by the correlator.",
		},
		[]string{"result"},
	)
)
