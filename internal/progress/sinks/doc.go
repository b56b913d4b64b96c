// Package sinks implements progress consumers that log events or export them
// as Prometheus metrics.
package sinks
