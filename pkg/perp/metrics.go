package perp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exchange counters and gauges on a private registry so
// tests can create exchanges without default-registry collisions.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced      prometheus.Counter
	OrdersRejected    prometheus.Counter
	Trades            prometheus.Counter
	Volume            prometheus.Counter
	Liquidations      prometheus.Counter
	ADLRuns           prometheus.Counter
	MarkPrice         prometheus.Gauge
	InsuranceFund     prometheus.Gauge
	ConservationDrift prometheus.Gauge
}

// NewMetrics creates and registers the exchange metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perpsim",
			Name:      "orders_placed_total",
			Help:      "Orders accepted after risk validation.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perpsim",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by risk validation.",
		}),
		Trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perpsim",
			Name:      "trades_total",
			Help:      "Executed trades.",
		}),
		Volume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perpsim",
			Name:      "volume_usdt_total",
			Help:      "Notional traded volume in USDT.",
		}),
		Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perpsim",
			Name:      "liquidations_total",
			Help:      "Executed liquidations.",
		}),
		ADLRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perpsim",
			Name:      "adl_runs_total",
			Help:      "Auto-deleveraging passes over engine positions.",
		}),
		MarkPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpsim",
			Name:      "mark_price",
			Help:      "Current mark price.",
		}),
		InsuranceFund: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpsim",
			Name:      "insurance_fund_balance",
			Help:      "Insurance fund balance in USDT.",
		}),
		ConservationDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpsim",
			Name:      "conservation_drift",
			Help:      "System value drift against the reset baseline.",
		}),
	}
	m.registry.MustRegister(
		m.OrdersPlaced,
		m.OrdersRejected,
		m.Trades,
		m.Volume,
		m.Liquidations,
		m.ADLRuns,
		m.MarkPrice,
		m.InsuranceFund,
		m.ConservationDrift,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
