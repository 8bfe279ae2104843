// Package monitor sweeps registered connections for heartbeat staleness
// and publishes loss and recovery events on the broker.
package monitor
