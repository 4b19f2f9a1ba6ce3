// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, provider statistics persistence, and job completion notifications.
package sinks
