package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records request latency by method, route, and status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "certhub",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// JobsClaimedTotal counts successful install-job claims by device.
var JobsClaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "certhub",
		Subsystem: "jobs",
		Name:      "claimed_total",
		Help:      "Total number of install jobs claimed by agents.",
	},
)

// JobsReapedTotal counts jobs transitioned to FAILED by the timeout reaper.
var JobsReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "certhub",
		Subsystem: "jobs",
		Name:      "reaped_total",
		Help:      "Total number of install jobs reaped after timing out in IN_PROGRESS.",
	},
)

// PayloadDeniedTotal counts payload lease denials by reason.
var PayloadDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "certhub",
		Subsystem: "jobs",
		Name:      "payload_denied_total",
		Help:      "Total number of denied payload fetches by reason.",
	},
	[]string{"reason"},
)

// IngestedTotal counts certificate ingestion outcomes by result.
var IngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "certhub",
		Subsystem: "ingest",
		Name:      "files_total",
		Help:      "Total number of certificate files processed by ingestion, by result.",
	},
	[]string{"result"},
)

// WatcherEventsTotal counts filesystem events observed by the drop-zone watcher.
var WatcherEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "certhub",
		Subsystem: "watcher",
		Name:      "events_total",
		Help:      "Total number of drop-zone filesystem events, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every CertHub-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		JobsClaimedTotal,
		JobsReapedTotal,
		PayloadDeniedTotal,
		IngestedTotal,
		WatcherEventsTotal,
	}
}
