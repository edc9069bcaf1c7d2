package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the process engine's Prometheus collectors, exposed at
// /metrics by the transport layer.
var Registry = prometheus.NewRegistry()

var (
	stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "process_engine",
			Subsystem: "steps",
			Name:      "executions_total",
			Help:      "Total number of step dispatch attempts, by step type and outcome.",
		},
		[]string{"step_type", "status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "process_engine",
			Subsystem: "steps",
			Name:      "duration_seconds",
			Help:      "Duration of a single step dispatch attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"step_type"},
	)

	processExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "process_engine",
			Subsystem: "processes",
			Name:      "executions_total",
			Help:      "Total number of process executions, by terminal status.",
		},
		[]string{"process_name", "status"},
	)

	processCostMinorUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "process_engine",
			Subsystem: "processes",
			Name:      "cost_minor_units_total",
			Help:      "Total aggregated step cost (minor currency units) across completed executions.",
		},
		[]string{"process_name", "currency"},
	)

	runningExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "process_engine",
			Subsystem: "processes",
			Name:      "running",
			Help:      "Current number of non-terminal process executions.",
		},
	)
)

func init() {
	Registry.MustRegister(
		stepExecutions,
		stepDuration,
		processExecutions,
		processCostMinorUnits,
		runningExecutions,
	)
}

// Handler exposes the registry in the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordStep records one step dispatch attempt's outcome and latency.
func RecordStep(stepType, status string, duration time.Duration) {
	stepExecutions.WithLabelValues(stepType, status).Inc()
	stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordProcessCompletion records a terminal execution outcome and, for
// successful completions, the total cost it accrued.
func RecordProcessCompletion(processName, status string, costMinorUnits int64, currency string) {
	processExecutions.WithLabelValues(processName, status).Inc()
	if status == "completed" && costMinorUnits > 0 {
		processCostMinorUnits.WithLabelValues(processName, currency).Add(float64(costMinorUnits))
	}
}

// SetRunningExecutions reports the current count of non-terminal executions.
func SetRunningExecutions(n int) {
	runningExecutions.Set(float64(n))
}
