package txmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "txservice"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Dispatched  *prometheus.CounterVec
	Terminal    *prometheus.CounterVec
	RPCFailures *prometheus.CounterVec
	PriceBumps  *prometheus.CounterVec
	GapFills    *prometheus.CounterVec
	InFlight    *prometheus.GaugeVec

	ConfirmationLatency *prometheus.HistogramVec
}

// NewMetrics registers the engine's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_dispatched_total",
			Help:      "Total number of successful transaction broadcasts",
		}, []string{"chain"}),
		Terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_terminal_total",
			Help:      "Total number of transactions that reached a terminal state",
		}, []string{"chain", "state"}),
		RPCFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rpc_failures_total",
			Help:      "Total number of endpoint level failures",
		}, []string{"chain", "endpoint", "op"}),
		PriceBumps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "price_bumps_total",
			Help:      "Total number of gas price bumps",
		}, []string{"chain"}),
		GapFills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gap_fills_total",
			Help:      "Total number of gap filling transactions dispatched",
		}, []string{"chain"}),
		InFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_in_flight",
			Help:      "Number of transactions currently being monitored",
		}, []string{"chain"}),
		ConfirmationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "confirmation_latency_seconds",
			Help:      "Time from first broadcast to a terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"chain"}),
	}
}
