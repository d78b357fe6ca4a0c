// Package sinks implements job event consumers: structured logging,
// Prometheus job metrics and operator alerts. Each sink satisfies
// events.Sink and is safe for repeated Consume/Close cycles.
package sinks
