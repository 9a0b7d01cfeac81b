package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth metrics
	AuthEventsTotal  *prometheus.CounterVec
	RateLimitedTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen   prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWaited prometheus.Gauge

	// Redis metrics
	RedisConnectionsTotal prometheus.Gauge
	RedisConnectionsIdle  prometheus.Gauge
	RedisPoolTimeouts     prometheus.Gauge

	// Identity cache
	IdentityCacheEntries prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		AuthEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_auth_events_total",
				Help: "Total number of audited auth events",
			},
			[]string{"action", "status"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_rate_limited_total",
				Help: "Total number of requests rejected by a rate limiter",
			},
			[]string{"scope"},
		),

		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_db_connections_open",
			Help: "Number of open database connections",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		DBConnectionsWaited: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_db_connections_wait_count",
			Help: "Total number of connections waited for",
		}),

		RedisConnectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_redis_connections_total",
			Help: "Number of connections in the Redis pool",
		}),
		RedisConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_redis_connections_idle",
			Help: "Number of idle connections in the Redis pool",
		}),
		RedisPoolTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_redis_pool_timeouts",
			Help: "Number of times a Redis connection wait timed out",
		}),

		IdentityCacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_identity_cache_entries",
			Help: "Number of identities held in the in-process cache",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthEventsTotal,
		m.RateLimitedTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsIdle,
		m.DBConnectionsWaited,
		m.RedisConnectionsTotal,
		m.RedisConnectionsIdle,
		m.RedisPoolTimeouts,
		m.IdentityCacheEntries,
	)

	return m
}

// RecordAuthEvent counts one audited auth event
func (m *Metrics) RecordAuthEvent(action, status string) {
	m.AuthEventsTotal.WithLabelValues(action, status).Inc()
}

// RecordRateLimited counts one rejected request
func (m *Metrics) RecordRateLimited(scope string) {
	m.RateLimitedTotal.WithLabelValues(scope).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaited.Set(float64(stats.WaitCount))
}

// UpdateRedisStats copies Redis pool statistics into the gauges
func (m *Metrics) UpdateRedisStats(stats *redis.PoolStats) {
	if stats == nil {
		return
	}
	m.RedisConnectionsTotal.Set(float64(stats.TotalConns))
	m.RedisConnectionsIdle.Set(float64(stats.IdleConns))
	m.RedisPoolTimeouts.Set(float64(stats.Timeouts))
}

// StatsSources are polled by CollectStats; nil fields are skipped
type StatsSources struct {
	Redis         func() *redis.PoolStats
	DB            func() sql.DBStats
	IdentityCache func() int
}

// CollectStats refreshes the pool and cache gauges every interval until ctx
// is cancelled
func (m *Metrics) CollectStats(ctx context.Context, interval time.Duration, sources StatsSources) {
	collect := func() {
		if sources.Redis != nil {
			m.UpdateRedisStats(sources.Redis())
		}
		if sources.DB != nil {
			m.UpdateDBStats(sources.DB())
		}
		if sources.IdentityCache != nil {
			m.IdentityCacheEntries.Set(float64(sources.IdentityCache()))
		}
	}

	collect()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collect()
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template to bound cardinality, so
// it must be installed with Router.Use.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
