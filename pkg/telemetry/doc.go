// Package telemetry provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the reconciliation engine.
//
// Logging is built on zerolog with helpers for the fields every pass
// shares (pass id, node id, resource kind). Metrics cover pass and node
// outcomes, state store version conflicts, provider failures and drift
// findings; they are exposed over an optional HTTP endpoint. Tracing spans
// cover passes and individual node operations, exported over OTLP or to
// stdout for local debugging.
//
// All three concerns are disabled cleanly: a nil or disabled Metrics is a
// no-op, and a disabled Tracer produces unexported spans.
package telemetry
