package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch server metrics
	DispatchCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_dispatch_calls_total",
			Help: "Total number of dispatched calls by resource, method and outcome",
		},
		[]string{"resource", "method", "outcome"},
	)

	DispatchCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runway_dispatch_call_duration_seconds",
			Help:    "Time spent executing a dispatched call in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"resource"},
	)

	DispatchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_dispatch_in_flight",
			Help: "Calls currently executing on this server",
		},
	)

	DispatchQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_dispatch_queued",
			Help: "Calls waiting for a free worker",
		},
	)

	LogChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runway_log_chunks_total",
			Help: "Total number of log chunks streamed to callers",
		},
	)

	ResourcesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runway_resources_total",
			Help: "Resources resident in the dispatch server",
		},
	)

	// Lifecycle manager metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runway_clusters_total",
			Help: "Registered clusters by status",
		},
		[]string{"status"},
	)

	ProvisionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runway_provision_attempts_total",
			Help: "Provider create attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runway_provision_duration_seconds",
			Help:    "Time from PROVISIONING to RUNNING in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		},
		[]string{"provider"},
	)

	AutostopTeardowns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runway_autostop_teardowns_total",
			Help: "Clusters torn down by the idle timer",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runway_reconciliation_duration_seconds",
			Help:    "Time taken to probe all running clusters",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runway_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)
)

func init() {
	prometheus.MustRegister(DispatchCallsTotal)
	prometheus.MustRegister(DispatchCallDuration)
	prometheus.MustRegister(DispatchInFlight)
	prometheus.MustRegister(DispatchQueued)
	prometheus.MustRegister(LogChunksTotal)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ProvisionAttempts)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(AutostopTeardowns)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
