// Package telemetry sets up the process logger and OpenTelemetry tracing,
// and carries trace context through AMQP headers.
package telemetry
