// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry export, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.ParseLogLevel("info"), os.Stdout)
//	logger.WithField("principal_id", id).Warn("permission resolution failed")
//
// # Decision Metrics
//
// Metrics and OTelMetrics both record authorizer telemetry. Combine them
// with NewRecorders and hand the result to rbac.Options.Recorder:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	otelMetrics, _ := observability.NewOTelMetrics()
//	recorder := observability.NewRecorders(metrics, otelMetrics)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.RegisterDatabase(db)
//	checker.RegisterRedis(redisClient)
//	router.HandleFunc("/readyz", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "entitled",
//	}, logger)
//	defer providers.Shutdown(ctx)
package observability
