// Package events fans job lifecycle events out to pluggable sinks.
//
// The Hub buffers events on a bounded channel and flushes them in batches
// either when MaxBatchEvents accumulate or MaxBatchWait elapses. Emit never
// blocks; when the buffer is full the event is dropped and a rate-limited
// warning is logged. Sinks receive copies of each batch and are called
// sequentially with a per-sink timeout.
package events
