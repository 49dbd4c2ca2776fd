// Package otel publishes portal counters through OpenTelemetry.
//
// [New] registers an Int64ObservableCounter per counter and an
// Int64ObservableGauge per latency bucket on a caller-supplied Meter. A single
// callback reads the orchestrator's snapshot on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider.
//   - Mutate orchestrator state.
package otel
