// Package metrics exposes the simulator's Prometheus instruments.
//
// All collectors are package-level and registered once at init; callers
// update them directly from the tick loop and the API layer. The /metrics
// endpoint is mounted by the API server via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksTotal counts completed simulation ticks.
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Completed simulation ticks.",
	})

	// TradesTotal counts published trades by source.
	TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_trades_total",
		Help: "Published trades by source (agent, external, backfill).",
	}, []string{"source"})

	// OrdersTotal counts generated external orders by archetype.
	OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_orders_total",
		Help: "Generated external orders by archetype.",
	}, []string{"archetype"})

	// ActualTPS is the measured external-order throughput.
	ActualTPS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_actual_tps",
		Help: "Measured external orders per second.",
	})

	// PoolInUse tracks outstanding pooled objects per pool.
	PoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_pool_in_use",
		Help: "Outstanding pooled objects.",
	}, []string{"pool"})

	// CandlesDroppedTotal counts bars discarded as unrepairable.
	CandlesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_candles_dropped_total",
		Help: "Candles discarded as unrepairable.",
	})

	// SessionsActive is the number of non-idle sessions (0 or 1).
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_sessions_active",
		Help: "Sessions in a non-idle state.",
	})
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TradesTotal,
		OrdersTotal,
		ActualTPS,
		PoolInUse,
		CandlesDroppedTotal,
		SessionsActive,
	)
}
