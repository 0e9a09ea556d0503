// Package metrics exposes Prometheus counters and gauges for the
// provisioner daemon, registered against a dedicated registry the way the
// teacher's cmd/webhook wires client_golang into a standalone /metrics
// endpoint rather than the global DefaultRegisterer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the dedicated Prometheus registry metrics are registered
// against; it is served by the serve command's HTTP handler.
var Registry = prometheus.NewRegistry()

var (
	// LaunchesTotal counts every launch attempt, labeled by backend and
	// outcome ("success", "failed", "timeout").
	LaunchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_provisioner_launches_total",
		Help: "Total number of kernel launch attempts by backend and outcome.",
	}, []string{"backend", "outcome"})

	// ActiveKernels tracks the number of kernel bindings currently in
	// RUNNING, labeled by backend.
	ActiveKernels = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernel_provisioner_active_kernels",
		Help: "Number of kernel bindings currently running, by backend.",
	}, []string{"backend"})

	// LaunchDurationSeconds observes the time from launch start to RUNNING.
	LaunchDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_provisioner_launch_duration_seconds",
		Help:    "Time from launch start to a kernel reaching RUNNING, by backend.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	// ResponsePayloadsTotal counts payloads the response manager receives,
	// labeled by outcome ("delivered", "orphaned", "malformed").
	ResponsePayloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_provisioner_response_payloads_total",
		Help: "Total number of payloads received by the response manager, by outcome.",
	}, []string{"outcome"})

	// TerminationsTotal counts termination operations, labeled by backend
	// and verb. Kill goes through Terminate, so the verb is always
	// "terminate".
	TerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_provisioner_terminations_total",
		Help: "Total number of termination operations, by backend and verb.",
	}, []string{"backend", "verb"})

	// StatusPollErrorsTotal counts steady-state status-poll failures,
	// labeled by backend, one count per failed poll. A binding failed by
	// sustained polling errors is not counted again, here or in
	// LaunchesTotal.
	StatusPollErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_provisioner_status_poll_errors_total",
		Help: "Total number of steady-state status-poll errors, by backend.",
	}, []string{"backend"})
)

func init() {
	Registry.MustRegister(LaunchesTotal, ActiveKernels, LaunchDurationSeconds, ResponsePayloadsTotal, TerminationsTotal, StatusPollErrorsTotal)
}
