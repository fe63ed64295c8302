// Package telemetry sets up optional OpenTelemetry tracing.
//
// Tracing is off unless OTEL_EXPORTER_OTLP_ENDPOINT is set. When on, spans
// are batched to an OTLP collector over gRPC, or over HTTP when
// OTEL_EXPORTER_OTLP_PROTOCOL is "http/protobuf". The standard OTEL_*
// variables (headers, insecure, timeouts, resource attributes) are honoured
// by the exporters themselves.
package telemetry
