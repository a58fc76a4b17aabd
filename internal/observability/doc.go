// Package observability exports estimator health as Prometheus metrics,
// OpenTelemetry traces and an ECharts dashboard served on the debug mux.
package observability
