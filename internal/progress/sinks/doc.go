// Package sinks implements progress consumers: a structured log and a set of
// Prometheus collectors. Each sink satisfies progress.Sink and tolerates
// repeated Consume/Close cycles.
package sinks
