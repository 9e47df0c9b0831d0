package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunDuration observes the wall-clock time of one Supervisor run.
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wnm_run_duration_seconds",
			Help:    "Time taken for one reconciliation run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ActionsTotal counts executed actions by kind and outcome (ok/error/dry_run).
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wnm_actions_total",
			Help: "Total number of actions executed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ActionDuration observes per-action execution latency.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wnm_action_duration_seconds",
			Help:    "Time taken to execute a single action in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// NodesTotal is refreshed once per run from the Metrics Collector's
	// per-status counts.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wnm_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	// StoreOperationsTotal is the Store-call counter by operation and
	// outcome. It is registered and exposed, but no code in this
	// repository increments it.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wnm_store_operations_total",
			Help: "Total number of Store operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	// HostDiskCrisisPercent reports the observational node_hd_crisis metric.
	HostDiskCrisisPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wnm_host_disk_crisis_percent",
			Help: "Percentage of hd_remove slack consumed if every node reached its crisis_bytes reserve",
		},
	)
)

func init() {
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(HostDiskCrisisPercent)
}

// Handler returns the Prometheus HTTP handler for the local exposition
// endpoint described in the operational-metrics design.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
