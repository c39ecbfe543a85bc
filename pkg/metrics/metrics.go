package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersCreated counts orders created by the taker's side (buy/sell)
var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pdesk_orders_created_total",
		Help: "Total number of orders created against offers",
	},
	[]string{"side"},
)

// OrderTransitions counts order state transitions by target status
var OrderTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pdesk_order_transitions_total",
		Help: "Total number of order status transitions",
	},
	[]string{"to"},
)

// EscrowLocked records the crypto amounts moved into escrow per currency
var EscrowLocked = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pdesk_escrow_locked_total",
		Help: "Cumulative crypto amount locked into escrow",
	},
	[]string{"currency"},
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2pdesk_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2pdesk_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2pdesk_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(OrdersCreated, OrderTransitions, EscrowLocked)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
