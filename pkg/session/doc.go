/*
Package session implements the vendor-agnostic websocket connection state
machine used by streaming provider adapters.

A session moves through disconnected, connecting, connected, degraded,
reconnecting and closed. It owns one receive goroutine and one heartbeat
goroutine per transport. Missed heartbeats degrade the session; a stale
link is closed, which drives the exponential-backoff reconnect schedule.
After every successful connect the adapter's OnConnect callback fires so
it can replay its subscriptions in insertion order. Exhausting the
reconnect budget closes the session permanently.
*/
package session
