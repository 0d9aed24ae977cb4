// Package metrics provides Prometheus instrumentation for the BridgeGuard service.
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
			Namespace: "bridgeguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridgeguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// InstructionsTotal counts processed instructions by direction.
	InstructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Name:      "instructions_total",
			Help:      "Total cross-chain instructions processed by direction.",
		},
		[]string{"direction"},
	)

	// SignatureVerificationsTotal counts signature checks by result.
	SignatureVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Name:      "signature_verifications_total",
			Help:      "Total signature verifications by result.",
		},
		[]string{"result"},
	)

	// RiskScore tracks the engine's persistent risk score (0-1000).
	RiskScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridgeguard",
			Name:      "risk_score",
			Help:      "Current persistent risk score on the 0-1000 scale.",
		},
	)

	// RetrySessionsActive tracks currently active retry sessions.
	RetrySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridgeguard",
			Name:      "retry_sessions_active",
			Help:      "Number of currently active retry sessions.",
		},
	)

	// RecoverySessionsActive tracks currently active recovery sessions.
	RecoverySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridgeguard",
			Name:      "recovery_sessions_active",
			Help:      "Number of currently active recovery sessions.",
		},
	)

	// RecoveryOutcomesTotal counts finished recovery sessions by outcome.
	RecoveryOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Name:      "recovery_outcomes_total",
			Help:      "Total completed recovery sessions by outcome.",
		},
		[]string{"outcome"},
	)

	// CompensationIssuedTotal accumulates compensation amounts by type.
	CompensationIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridgeguard",
			Name:      "compensation_issued_total",
			Help:      "Total compensation issued to users by type.",
		},
		[]string{"type"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridgeguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridgeguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridgeguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridgeguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridgeguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridgeguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridgeguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		InstructionsTotal,
		SignatureVerificationsTotal,
		RiskScore,
		RetrySessionsActive,
		RecoverySessionsActive,
		RecoveryOutcomesTotal,
		CompensationIssuedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
