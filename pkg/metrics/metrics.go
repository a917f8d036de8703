package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodeagent_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_reconciliation_cycles_total",
			Help: "Total number of reconciliation ticks completed",
		},
	)

	ReconciliationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_reconciliation_errors_total",
			Help: "Total number of reconciliation ticks that returned a non-fatal error",
		},
	)

	ExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodeagent_executions_total",
			Help: "Committed executions by goal",
		},
		[]string{"goal"},
	)

	// Reactor metrics
	ReactorUpdatesCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_reactor_updates_coalesced_total",
			Help: "Total number of follow-up callback runs caused by update() calls that arrived while a callback was in flight",
		},
	)

	ReactorTimeoutFiringsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_reactor_timeout_firings_total",
			Help: "Total number of reconciliation ticks driven by the periodic timeout rather than update()",
		},
	)

	// Port allocation metrics
	PortAllocationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_port_allocation_failures_total",
			Help: "Total number of PortAllocator.Allocate calls that returned an error",
		},
	)

	// Container supervisor metrics
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodeagent_container_start_duration_seconds",
			Help:    "Time taken to create and start a container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodeagent_container_stop_duration_seconds",
			Help:    "Time taken to stop a container, including any grace period",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodeagent_container_start_failures_total",
			Help: "Total number of container start attempts that failed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationErrorsTotal,
		ExecutionsTotal,
		ReactorUpdatesCoalescedTotal,
		ReactorTimeoutFiringsTotal,
		PortAllocationFailuresTotal,
		ContainerStartDuration,
		ContainerStopDuration,
		ContainerStartFailures,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
