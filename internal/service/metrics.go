package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay directions for BytesRelayed.
const (
	DirectionUpstream   = "client_to_backend"
	DirectionDownstream = "backend_to_client"
)

// Metrics holds the proxy's prometheus collectors on a private registry.
// All methods are safe on a nil receiver so components can run without
// metrics.
type Metrics struct {
	registry *prometheus.Registry

	accepted        prometheus.Counter
	active          prometheus.Gauge
	batches         prometheus.Counter
	relayed         *prometheus.CounterVec
	spliceErrors    prometheus.Counter
	backendsHealthy prometheus.Gauge
	healthFailures  *prometheus.CounterVec
	limitedDrops    prometheus.Counter
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "reactor_proxy_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reactor_proxy_connections_active",
			Help: "Current number of registered client connections",
		}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Name: "reactor_proxy_balance_batches_total",
			Help: "Total number of balance batches dispatched",
		}),
		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reactor_proxy_bytes_relayed_total",
			Help: "Total bytes moved between clients and backends",
		}, []string{"direction"}),
		spliceErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "reactor_proxy_splice_errors_total",
			Help: "Total number of failed zero-copy transfers",
		}),
		backendsHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reactor_proxy_backends_healthy",
			Help: "Number of backends in the active set",
		}),
		healthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reactor_proxy_health_check_failures_total",
			Help: "Total number of failed health check passes",
		}, []string{"backend"}),
		limitedDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "reactor_proxy_limited_drops_total",
			Help: "Total number of relays skipped because the client exceeded its traffic ceiling",
		}),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the exposition handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionAccepted counts one accepted socket
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

// ConnectionOpened counts one registered connection
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// ConnectionClosed counts one removed connection
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

// BalanceBatch counts one dispatched batch
func (m *Metrics) BalanceBatch() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

// BytesRelayed adds n bytes in the given direction
func (m *Metrics) BytesRelayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayed.WithLabelValues(direction).Add(float64(n))
}

// SpliceError counts one failed transfer
func (m *Metrics) SpliceError() {
	if m == nil {
		return
	}
	m.spliceErrors.Inc()
}

// LimitedDrop counts one relay skipped for a limited client
func (m *Metrics) LimitedDrop() {
	if m == nil {
		return
	}
	m.limitedDrops.Inc()
}

// SetHealthyBackends records the active set size
func (m *Metrics) SetHealthyBackends(n int) {
	if m == nil {
		return
	}
	m.backendsHealthy.Set(float64(n))
}

// HealthCheckFailed counts one failed pass for backend
func (m *Metrics) HealthCheckFailed(backend string) {
	if m == nil {
		return
	}
	m.healthFailures.WithLabelValues(backend).Inc()
}
