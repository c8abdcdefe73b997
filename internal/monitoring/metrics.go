// Package monitoring exposes the prometheus metrics shared by the store, the
// retry runner and the HTTP server.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "atomicdict"

// Metrics groups every collector the service exports.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Publications     *prometheus.CounterVec
	Conflicts        *prometheus.CounterVec
	Version          prometheus.Gauge
	RetryAttempts    prometheus.Counter
	OpenTransactions prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Publications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publications_total",
				Help:      "Total number of published snapshots",
			},
			[]string{"op"}, // op: write/commit/clear
		),
		Conflicts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Total number of rejected transactions",
			},
			[]string{"reason"},
		),
		Version: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "version",
				Help:      "Version of the currently published snapshot",
			},
		),
		RetryAttempts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of transaction attempts made by the retry runner",
			},
		),
		OpenTransactions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_transactions",
				Help:      "Number of transaction sessions currently held by the server",
			},
		),
		HTTPRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

func (m *Metrics) ObservePublication(op string, version uint64) {
	if m == nil {
		return
	}
	m.Publications.WithLabelValues(op).Inc()
	m.Version.Set(float64(version))
}

func (m *Metrics) ObserveConflict(reason string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAttempt() {
	if m == nil {
		return
	}
	m.RetryAttempts.Inc()
}

func (m *Metrics) SetOpenTransactions(n int) {
	if m == nil {
		return
	}
	m.OpenTransactions.Set(float64(n))
}

func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
