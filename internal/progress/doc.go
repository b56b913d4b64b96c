// Package progress carries per-item run milestones from the pipeline to
// pluggable sinks. Emitting never blocks the pipeline; events are batched on
// a background goroutine.
package progress
