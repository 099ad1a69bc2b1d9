// Package metrics provides Prometheus metrics for the datagram transport.
package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dgram"
	subsystem = "udp"
)

// Metrics contains the process-wide metrics. Per-endpoint counters live in
// EndpointStats.
type Metrics struct {
	BuildInfo *prometheus.GaugeVec

	EndpointsActive prometheus.Gauge
	EndpointsOpened *prometheus.CounterVec
	EndpointsClosed *prometheus.CounterVec
	StartFailures   *prometheus.CounterVec

	BurstPassRate prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information, value is always 1",
		}, []string{"version", "goversion"}),

		EndpointsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoints_active",
			Help:      "Number of started endpoints not yet closed",
		}),
		EndpointsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoints_opened_total",
			Help:      "Total endpoints started by role",
		}, []string{"role"}),
		EndpointsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoints_closed_total",
			Help:      "Total endpoints closed by role",
		}, []string{"role"}),
		StartFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "start_failures_total",
			Help:      "Total endpoint start failures by role",
		}, []string{"role"}),

		BurstPassRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "burst_pass_rate",
			Help:      "Fraction of datagrams delivered in the last burst run",
		}),
	}
}

// SetBuildInfo records the running version.
func (m *Metrics) SetBuildInfo(version string) {
	m.BuildInfo.WithLabelValues(version, runtime.Version()).Set(1)
}

// RecordEndpointOpen records a successful endpoint start.
func (m *Metrics) RecordEndpointOpen(role string) {
	m.EndpointsActive.Inc()
	m.EndpointsOpened.WithLabelValues(role).Inc()
}

// RecordEndpointClose records an endpoint close.
func (m *Metrics) RecordEndpointClose(role string) {
	m.EndpointsActive.Dec()
	m.EndpointsClosed.WithLabelValues(role).Inc()
}

// RecordStartFailure records a failed Start.
func (m *Metrics) RecordStartFailure(role string) {
	m.StartFailures.WithLabelValues(role).Inc()
}

// SetBurstPassRate records the outcome of a burst run.
func (m *Metrics) SetBurstPassRate(rate float64) {
	m.BurstPassRate.Set(rate)
}
