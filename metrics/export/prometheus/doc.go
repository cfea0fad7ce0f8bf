// Package prometheus provides a Prometheus collector for authstate metrics.
//
// [NewExporter] accepts an [authstate.Reconciler] and exposes a
// [prometheus.Collector] plus an [http.Handler] backed by a private registry.
// Counter names are prefixed authstate_*_total; the single histogram is
// authstate_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in the global Prometheus registry — callers mount the Handler.
//   - Mutate reconciler state.
package prometheus
