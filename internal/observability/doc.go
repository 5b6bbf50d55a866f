// Package observability provides structured logging and Prometheus metrics
// for the federation control plane.
//
// # Overview
//
// Two pillars are implemented here:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with credential redaction
//
// Event-stream correlation across components (instance lifecycle, health
// transitions, backpressure) is handled separately by the events package,
// not by this one.
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Registered instance counts by health status and region
//   - Router selection latency and outcomes by strategy
//   - Health-check probe latency and state transitions
//   - Federation-wide backpressure utilization and rejections
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	selection, err := router.SelectInstance(ctx, routingCtx)
//	metrics.SelectionDuration.WithLabelValues(string(routingCtx.Strategy)).Observe(time.Since(start).Seconds())
//	if err != nil {
//	    metrics.SelectionErrors.WithLabelValues(string(routingCtx.Strategy), "no_candidates").Inc()
//	}
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/instance ID correlation from context
//   - Redaction of store DSNs, API keys, and passwords
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx = observability.AddRequestID(ctx, requestID)
//	logger.Info(ctx, "instance registered", "instance_id", instance.ID, "region", instance.Region)
//
//	logger.Error(ctx, "store connection failed",
//	    "error", err,
//	    "dsn", dsn, // automatically redacted
//	)
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - Postgres connection strings with embedded credentials
//   - API keys and bearer tokens
//   - Passwords and secrets, including nested in maps
//   - Custom patterns via configuration
//
// # Testing
//
//   - Metrics can be verified using prometheus/client_golang/prometheus/testutil
//   - Logging can write to a bytes.Buffer for assertion in tests
package observability
