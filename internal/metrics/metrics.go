// Package metrics exposes the Prometheus instruments of the agent service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	ToolCalls      *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ModelCalls     *prometheus.CounterVec
	TurnsTotal     *prometheus.CounterVec
	IterationLimit prometheus.Counter
	ActiveRuns     prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// New returns the process-wide instrument set registered with the default
// Prometheus registry.
func New() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "lotse_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			}, []string{"tool", "status"}),
			ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "lotse_tool_duration_seconds",
				Help:    "Tool execution latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			ModelCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "lotse_model_calls_total",
				Help: "Model invocations by outcome",
			}, []string{"status"}),
			TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "lotse_turns_total",
				Help: "Completed turns by final status",
			}, []string{"status"}),
			IterationLimit: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lotse_iteration_limit_total",
				Help: "Turns stopped by the iteration bound",
			}),
			ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "lotse_active_runs",
				Help: "Turns currently executing",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) ObserveTool(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveModel(status string) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTurn(status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IterationLimitHit() {
	if m == nil {
		return
	}
	m.IterationLimit.Inc()
}

// RunStarted increments the active gauge and returns the matching decrement.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRuns.Inc()
	return m.ActiveRuns.Dec
}
