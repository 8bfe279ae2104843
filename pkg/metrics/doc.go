// Package metrics defines the collector's Prometheus metrics and the
// HTTP handler that exposes them.
package metrics
