// Package progress carries the structured event stream emitted by the
// enrichment pipeline. Components publish Events through an Emitter; the Hub
// batches them on a background goroutine and fans them out to sinks such as
// Prometheus collectors, provider statistics, or job notifications.
package progress
