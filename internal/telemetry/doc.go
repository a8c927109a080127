// Package telemetry wraps OpenTelemetry SDK initialization for distributed
// tracing of turn execution. When disabled, span creation in the engine goes
// through the global noop tracer and costs nothing.
package telemetry
