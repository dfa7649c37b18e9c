// Prometheus metrics for the exchange core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersSubmitted counts order submissions by outcome
	// (accepted, rejected, cancelled_remainder).
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange",
		Name:      "orders_submitted_total",
		Help:      "Order submissions by outcome",
	}, []string{"symbol", "outcome"})

	// TradesExecuted counts executed trades.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange",
		Name:      "trades_executed_total",
		Help:      "Executed trades",
	}, []string{"symbol"})

	// MarginCalls counts margin call and liquidation events.
	MarginCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange",
		Name:      "margin_events_total",
		Help:      "Margin call and liquidation events",
	}, []string{"action"})

	// CircuitBreakerHalts counts breaker-triggered halts by scope and tier.
	CircuitBreakerHalts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange",
		Name:      "circuit_breaker_halts_total",
		Help:      "Circuit breaker halts",
	}, []string{"scope", "tier"})

	// RestingOrders tracks resting orders per book.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "exchange",
		Name:      "resting_orders",
		Help:      "Resting orders per instrument",
	}, []string{"symbol"})
)
