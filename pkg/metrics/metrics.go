package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operations counts settlement entry points by operation and outcome (ok or error kind)
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "nftsettle_operations_total",
		Help: "Total number of settlement operations by outcome",
	},
	[]string{"operation", "outcome"},
)

// OperationLatency records latency distribution for settlement operations
var OperationLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "nftsettle_operation_latency_seconds",
		Help:    "Latency in seconds of settlement operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var (
	ReentrancyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nftsettle_reentrancy_rejections_total",
			Help: "Calls rejected because the same caller and operation were already in flight",
		},
		[]string{"operation"},
	)

	RoyaltyLegFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nftsettle_royalty_leg_failures_total",
			Help: "Royalty transfers that failed during distribution",
		},
	)

	SwapTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nftsettle_swap_transitions_total",
			Help: "Atomic swap state transitions by target state",
		},
		[]string{"state"},
	)

	FeesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nftsettle_fees_collected_total",
			Help: "Platform fees booked, in whole units of the payment asset",
		},
		[]string{"asset"},
	)
)

// Ledger database pool gauges, labelled by driver.
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nftsettle_db_open_connections",
			Help: "Open connections to the ledger database",
		},
		[]string{"driver"},
	)
	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nftsettle_db_idle_connections",
			Help: "Idle connections to the ledger database",
		},
		[]string{"driver"},
	)
	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nftsettle_db_in_use_connections",
			Help: "In-use connections to the ledger database",
		},
		[]string{"driver"},
	)
)

var (
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nftsettle_stream_clients",
			Help: "Connected event stream clients",
		},
	)
	StreamDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nftsettle_stream_dropped_clients_total",
			Help: "Event stream clients dropped for falling behind",
		},
	)
)

func init() {
	prometheus.MustRegister(Operations, OperationLatency)
	prometheus.MustRegister(ReentrancyRejections, RoyaltyLegFailures, SwapTransitions, FeesCollected)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
	prometheus.MustRegister(StreamClients, StreamDropped)
}

// Observe records one finished operation.
func Observe(operation, outcome string, started time.Time) {
	Operations.WithLabelValues(operation, outcome).Inc()
	OperationLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
