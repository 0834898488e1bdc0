// Package metrics provides Prometheus metrics for the matching core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_orders_accepted_total",
		Help: "Orders accepted into the matching engine.",
	}, []string{"pair", "side"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_orders_rejected_total",
		Help: "Orders rejected at intake or as unfillable market remainders.",
	}, []string{"pair", "reason"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_orders_cancelled_total",
		Help: "Orders cancelled by their owner.",
	}, []string{"pair"})

	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_trades_executed_total",
		Help: "Trades matched and settled.",
	}, []string{"pair"})

	SettlementAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_settlement_aborts_total",
		Help: "Trades rolled back because ledger settlement failed.",
	}, []string{"pair"})

	PairsHalted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimir_pairs_halted_total",
		Help: "Trading pairs halted after an invariant violation.",
	}, []string{"pair"})

	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mimir_resting_orders",
		Help: "Open orders resting in the book.",
	}, []string{"pair", "side"})

	RestingLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mimir_resting_liquidity",
		Help: "Total resting quantity in the book, base currency.",
	}, []string{"pair", "side"})

	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mimir_match_seconds",
		Help:    "Wall time spent matching one incoming order.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"pair"})
)

// StartServer exposes /metrics on addr in the background.
func StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}
