// Package resilience provides retry, circuit breaker and rate limiting
// primitives used by provider adapters for outbound calls.
package resilience
