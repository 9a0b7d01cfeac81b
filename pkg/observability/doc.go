// Package observability provides structured logging, Prometheus metrics, health
// checks and graceful shutdown.
//
// # Structured Logging
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//	logger.WithField("identity_id", id).Info("Login succeeded")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// Metrics implements the auth event and rate limit recorder hooks, so it can be
// passed straight to auth.WithEventRecorder and middleware.WithRejectionRecorder.
// Pool and cache gauges are refreshed by CollectStats.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// /health and /health/live always answer 200 while the process runs; /ready and
// /health/ready answer 503 when Redis (or the configured database) is unreachable.
//
// # Graceful Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second, apiServer, healthServer)
//	sm.RegisterShutdownFunc(func(ctx context.Context) error { return redisClient.Close() })
//	<-ctx.Done()
//	sm.Shutdown(context.Background())
package observability
