// Package metrics counts relay activity and exposes it in the Prometheus
// text exposition format on /metrics.
//
// Counters are plain atomics; the families are built on demand with the
// client_model types and encoded with expfmt, so no global registry is
// involved and several relays can live in one process.
package metrics
