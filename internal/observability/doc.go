// Package observability provides the relay's structured logging, Prometheus
// metrics and OpenTelemetry tracing.
//
// Logging is built on log/slog with a handler that redacts secrets before
// records reach the output. Metrics are registered against a caller supplied
// prometheus.Registerer so tests can use isolated registries. Tracing exports
// over OTLP/gRPC when an endpoint is configured and is a no-op otherwise.
package observability
