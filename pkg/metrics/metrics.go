// Package metrics exposes Prometheus instrumentation for the trading
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements sim.OrderMetrics and counts market data ticks.
type Metrics struct {
	ordersSubmitted *prometheus.CounterVec
	tradesExecuted  *prometheus.CounterVec
	tradeVolume     *prometheus.CounterVec
	riskRejections  prometheus.Counter
	marketDataTicks prometheus.Counter
}

// New registers the collectors on the given registerer (pass
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ordersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "derivsim_orders_submitted_total",
			Help: "Orders processed, by terminal status.",
		}, []string{"status"}),
		tradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "derivsim_trades_executed_total",
			Help: "Trades executed, by contract.",
		}, []string{"symbol"}),
		tradeVolume: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "derivsim_trade_volume_total",
			Help: "Executed quantity, by contract.",
		}, []string{"symbol"}),
		riskRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "derivsim_risk_rejections_total",
			Help: "Submissions declined by the pre-trade risk check.",
		}),
		marketDataTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "derivsim_marketdata_ticks_total",
			Help: "Market data snapshots produced.",
		}),
	}
}

func (m *Metrics) OrderSubmitted(status string) {
	m.ordersSubmitted.WithLabelValues(status).Inc()
}

func (m *Metrics) TradeExecuted(symbol string, quantity float64) {
	m.tradesExecuted.WithLabelValues(symbol).Inc()
	m.tradeVolume.WithLabelValues(symbol).Add(quantity)
}

func (m *Metrics) RiskRejected() {
	m.riskRejections.Inc()
}

func (m *Metrics) MarketDataTick() {
	m.marketDataTicks.Inc()
}
