package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/caffeineduck/luabridge/sandbox"
)

// Metrics holds the per plugin Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Calls      *prometheus.CounterVec
	Failures   *prometheus.CounterVec
	Injected   *prometheus.CounterVec
	Terminated *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luabridge_sandbox_calls_total",
				Help: "Guest entry point calls",
			},
			[]string{"plugin", "entry_point"},
		),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luabridge_sandbox_failures_total",
				Help: "Guest calls that returned a non-zero status",
			},
			[]string{"plugin"},
		),
		Injected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luabridge_sandbox_injected_messages_total",
				Help: "Messages injected by guest code",
			},
			[]string{"plugin"},
		),
		Terminated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luabridge_sandbox_terminations_total",
				Help: "Sandboxes terminated by a guest fault",
			},
			[]string{"plugin"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "luabridge_sandbox_call_duration_seconds",
				Help:    "Guest entry point duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"plugin", "entry_point"},
		),
	}
}

func (m *Metrics) observe(plugin string, ep sandbox.EntryPoint, d time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(plugin, string(ep)).Inc()
	m.Duration.WithLabelValues(plugin, string(ep)).Observe(d.Seconds())
}

func (m *Metrics) injected(plugin string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Injected.WithLabelValues(plugin).Add(float64(n))
}

func (m *Metrics) failed(plugin string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(plugin).Inc()
}

func (m *Metrics) terminated(plugin string) {
	if m == nil {
		return
	}
	m.Terminated.WithLabelValues(plugin).Inc()
}
