// Package metrics exposes Prometheus instrumentation for the settlement
// service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "settlement"

var (
	// TransitionsTotal counts committed state-machine transitions.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Committed transaction state transitions.",
	}, []string{"to"})

	// SettlementsTotal counts escrow operations by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Escrow create/release/refund attempts by outcome.",
	}, []string{"operation", "outcome"})

	// ChainCallDuration observes confirmed chain submission latency.
	ChainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chain_call_duration_seconds",
		Help:      "Latency of confirmed chain calls.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"operation"})

	// DisputesTotal counts dispute lifecycle events.
	DisputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disputes_total",
		Help:      "Dispute lifecycle events (filed, resolved).",
	}, []string{"event"})

	// EscrowDrift is the number of transactions whose on-chain escrow
	// state disagreed with the ledger at the last reconciliation sweep.
	EscrowDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escrow_drift",
		Help:      "Ledger/chain escrow state mismatches at last sweep.",
	})

	// WebhookDeliveries counts outbound webhook attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Outbound webhook deliveries by outcome.",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// Middleware records per-route request latency.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDuration.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// ObserveChainCall records one confirmed chain call.
func ObserveChainCall(operation string, start time.Time) {
	ChainCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
