// Package metrics provides Prometheus instrumentation for escrowd.
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
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// VaultBalance is the vault's holding per asset, in base units.
	VaultBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "vault_balance",
		Help: "Vault balance per asset in base units.",
	}, []string{"asset"})
	// VaultExpected is what the ledger's records say the vault should hold.
	VaultExpected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "vault_expected",
		Help: "Escrowed amounts plus deposits plus lost funds per asset.",
	}, []string{"asset"})
	// LostFunds tracks value stranded by rejected pushes.
	LostFunds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "lost_funds",
		Help: "Unclaimed value from failed transfers per asset.",
	}, []string{"asset"})
	// VaultBalanced is 1 when every asset reconciles, 0 otherwise.
	VaultBalanced = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "vault_balanced",
		Help: "1 if the last reconciliation balanced, 0 otherwise.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWebSocketClients,
		VaultBalance,
		VaultExpected,
		LostFunds,
		VaultBalanced,
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

// VaultSample is one asset's reconciliation figures.
type VaultSample struct {
	Asset     string
	Vault     float64
	Expected  float64
	LostFunds float64
}

// VaultSampler returns the current per-asset figures and whether they balance.
type VaultSampler func(ctx context.Context) (samples []VaultSample, balanced bool, err error)

// RecordVault copies one sample set into the vault gauges.
func RecordVault(samples []VaultSample, balanced bool) {
	for _, s := range samples {
		VaultBalance.WithLabelValues(s.Asset).Set(s.Vault)
		VaultExpected.WithLabelValues(s.Asset).Set(s.Expected)
		LostFunds.WithLabelValues(s.Asset).Set(s.LostFunds)
	}
	if balanced {
		VaultBalanced.Set(1)
	} else {
		VaultBalanced.Set(0)
	}
}

// StartVaultCollector samples the vault every interval until ctx is done.
// Sampling errors are skipped; the gauges keep their last values.
func StartVaultCollector(ctx context.Context, sample VaultSampler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, balanced, err := sample(ctx)
			if err != nil {
				continue
			}
			RecordVault(samples, balanced)
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
