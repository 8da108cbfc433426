// Package metrics exposes Plancton's own health as Prometheus gauges and
// counters, grounded on the teacher's metrics package (same registration
// pattern, same Timer helper) but re-pointed at a single daemon's worker
// pool instead of a cluster manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DaemonUptimeSeconds mirrors the original's daemon{uptime=...} field.
	DaemonUptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plancton_daemon_uptime_seconds",
			Help: "Seconds since the daemon started",
		},
	)

	// DaemonMode is 1 when draining, 0 when active, matching the original's
	// daemon{status="draining"|"active"} field.
	DaemonMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plancton_daemon_draining",
			Help: "1 if the daemon is in drain mode, 0 otherwise",
		},
	)

	// CPUEfficiency mirrors the original's measurement{cpu_eff=...} field.
	CPUEfficiency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plancton_cpu_efficiency_percent",
			Help: "Sampled CPU efficiency (100 - idle percent) over the last main loop tick",
		},
	)

	// ContainersByState mirrors the original's daemon{containers=...} field,
	// broken out by classified state (spec.md §4.5).
	ContainersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plancton_containers",
			Help: "Number of ephemeral workers currently known, by classified state",
		},
		[]string{"state"},
	)

	// ContainersSpawnedTotal and ContainersReapedTotal mirror the container
	// series' started/killed tag combinations.
	ContainersSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plancton_containers_spawned_total",
			Help: "Total number of worker containers successfully created and started",
		},
	)

	ContainersReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plancton_containers_reaped_total",
			Help: "Total number of worker containers removed, by reason",
		},
		[]string{"reason"},
	)

	ContainerLifetimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plancton_container_lifetime_seconds",
			Help:    "Observed lifetime of reaped worker containers in seconds",
			Buckets: []float64{10, 30, 60, 300, 900, 3600, 14400, 43200, 86400},
		},
	)

	EngineCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plancton_engine_call_duration_seconds",
			Help:    "Duration of container engine API calls by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	EngineCallRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plancton_engine_call_retries_total",
			Help: "Total number of container engine API call retries by operation",
		},
		[]string{"operation"},
	)

	MainLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plancton_main_loop_duration_seconds",
			Help:    "Duration of a single main control loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		DaemonUptimeSeconds,
		DaemonMode,
		CPUEfficiency,
		ContainersByState,
		ContainersSpawnedTotal,
		ContainersReapedTotal,
		ContainerLifetimeSeconds,
		EngineCallDuration,
		EngineCallRetriesTotal,
		MainLoopDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small stopwatch helper for recording operation durations into
// histograms.
type Timer struct {
	start time.Time
}

// NewTimer creates a running timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
