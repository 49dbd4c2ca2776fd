// Package prometheus renders portal counters in Prometheus text exposition format.
//
// [New] reads from a portalauth.Orchestrator; [Exporter.Handler] is mounted by the
// caller, typically at /metrics. Counters are named portalauth_*_total and the one
// histogram is portalauth_resolve_latency_seconds.
//
// # What this package must NOT do
//
//   - Register anything in a global registry.
//   - Mutate orchestrator state.
package prometheus
