/*
Package metrics exposes runway's Prometheus collectors and the component
health used by the dispatch server's /health, /ready and /check endpoints.

Dispatch servers record per-call counters and latency, queue depth, and log
chunk volume. The lifecycle manager records cluster counts by status,
provisioning attempts and durations, and idle teardowns. All collectors
register on the default registry and are served by Handler at /metrics.

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchCallDuration, "echo")

Readiness is gated on the api and workers components unless SetCritical
says otherwise.
*/
package metrics
