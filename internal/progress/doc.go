// Package progress provides the event primitives and the non-blocking hub that
// workers, the pool and the controller use to report swarm activity. A single
// fan-out goroutine copies every event to each listener's own buffer; a slow
// listener loses events instead of stalling emitters or other listeners.
// Sinks attach as listeners with batching.
package progress
