// Package events carries job lifecycle notifications (queued, started,
// finished, webhook outcome) from the engine to pluggable sinks. Emit never
// blocks the caller; a background goroutine batches events and fans each
// batch out to every sink.
package events
