// Package metrics exposes Prometheus collectors for the upstream link,
// tasks, tool calls and remote-control sessions.
//
// Every method is safe on a nil *Metrics, so components can take an
// optional *Metrics without guarding each call.
package metrics
