package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegis"

// Metrics owns a private registry so tests and multiple gateways in one
// process never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	Admissions      *prometheus.CounterVec
	SpendUSD        *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	UpstreamStatus  *prometheus.CounterVec
	ReceiptsDropped prometheus.Counter
	LedgerEvictions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "admissions_total",
				Help:      "Admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		SpendUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "spend_usd_total",
				Help:      "USD committed to the ledger",
			},
			[]string{"provider", "model"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "fallback_retries_total",
				Help:      "Quota fallback retries by provider and retry status",
			},
			[]string{"provider", "status"},
		),
		UpstreamStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "upstream_responses_total",
				Help:      "Upstream responses by provider and status class",
			},
			[]string{"provider", "class"},
		),
		ReceiptsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "receipts_dropped_total",
				Help:      "Receipts dropped because the sink queue was full or closed",
			},
		),
		LedgerEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "evictions_total",
				Help:      "Idle ledger entries removed by the sweeper",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.Admissions, m.SpendUSD, m.Fallbacks, m.UpstreamStatus, m.ReceiptsDropped, m.LedgerEvictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Admission implements gate.Observer.
func (m *Metrics) Admission(outcome string) {
	m.Admissions.WithLabelValues(outcome).Inc()
}

// Spend implements gate.Observer.
func (m *Metrics) Spend(provider, model string, usd float64) {
	if usd > 0 {
		m.SpendUSD.WithLabelValues(provider, model).Add(usd)
	}
}

func (m *Metrics) Fallback(provider string, status int) {
	m.Fallbacks.WithLabelValues(provider, statusClass(status)).Inc()
}

func (m *Metrics) Upstream(provider string, status int) {
	m.UpstreamStatus.WithLabelValues(provider, statusClass(status)).Inc()
}

func (m *Metrics) ReceiptDropped() {
	m.ReceiptsDropped.Inc()
}

func (m *Metrics) Evicted(scopes, reservations int) {
	m.LedgerEvictions.WithLabelValues("scope").Add(float64(scopes))
	m.LedgerEvictions.WithLabelValues("reservation").Add(float64(reservations))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status == 0:
		return "error"
	}
	return "other"
}
