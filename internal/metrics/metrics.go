// Package metrics provides Prometheus instrumentation for the etchpay service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etchpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "etchpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QuotesIssuedTotal counts price quotes handed out.
	QuotesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "etchpay",
		Name:      "quotes_issued_total",
		Help:      "Total price quotes issued.",
	})

	// FulfillmentsTotal counts fulfillment requests by terminal outcome.
	FulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etchpay",
			Name:      "fulfillments_total",
			Help:      "Total fulfillment requests by terminal outcome.",
		},
		[]string{"outcome"},
	)

	// FulfillmentStageRetries counts stage-level retries by stage name.
	FulfillmentStageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etchpay",
			Name:      "fulfillment_stage_retries_total",
			Help:      "Total per-stage retries during fulfillment.",
		},
		[]string{"stage"},
	)

	// FulfillmentDuration observes end-to-end fulfillment time.
	FulfillmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "etchpay",
		Name:      "fulfillment_duration_seconds",
		Help:      "Time from fulfillment request to terminal outcome in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// EtchedBytesTotal counts payload bytes committed on chain.
	EtchedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "etchpay",
		Name:      "etched_bytes_total",
		Help:      "Total payload bytes committed on chain.",
	})

	// SettlementGasUsed observes gas consumed by settlement transactions.
	SettlementGasUsed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "etchpay",
		Name:      "settlement_gas_used",
		Help:      "Gas used per settlement transaction.",
		Buckets:   []float64{50_000, 100_000, 200_000, 500_000, 1_000_000, 2_000_000},
	})

	// RPCRequestsTotal counts upstream RPC endpoint calls by endpoint and result.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etchpay",
			Name:      "rpc_requests_total",
			Help:      "Total upstream RPC calls by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)

	// RPCFailoversTotal counts times the pool skipped an unhealthy endpoint.
	RPCFailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "etchpay",
		Name:      "rpc_failovers_total",
		Help:      "Total endpoint failovers during client selection.",
	})

	// ActiveLocks tracks processing locks currently held.
	ActiveLocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "etchpay",
		Name:      "active_processing_locks",
		Help:      "Number of processing locks currently held.",
	})

	// ActiveWebSocketClients tracks connected settlement feed subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "etchpay",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "etchpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "etchpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "etchpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "etchpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotesIssuedTotal,
		FulfillmentsTotal,
		FulfillmentStageRetries,
		FulfillmentDuration,
		EtchedBytesTotal,
		SettlementGasUsed,
		RPCRequestsTotal,
		RPCFailoversTotal,
		ActiveLocks,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
