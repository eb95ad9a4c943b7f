package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for appdockd.
type Metrics struct {
	registry          *prometheus.Registry
	TaskDuration      *prometheus.HistogramVec
	CommandExecutions *prometheus.CounterVec
	ComposeErrors     prometheus.Counter
}

// NewMetrics constructs a metrics registry and registers all
// collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appdock",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task runtime from start to final status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"task", "result"},
	)
	commandExecutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appdock",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Total commands executed by target and result.",
		},
		[]string{"target", "result"},
	)
	composeErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdock",
			Subsystem: "compose",
			Name:      "errors_total",
			Help:      "Total fatal application composition failures.",
		},
	)

	registry.MustRegister(taskDuration, commandExecutions, composeErrors)
	return &Metrics{
		registry:          registry,
		TaskDuration:      taskDuration,
		CommandExecutions: commandExecutions,
		ComposeErrors:     composeErrors,
	}
}

// Handler serves the metrics registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
