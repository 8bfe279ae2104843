// Package events provides the in-process control and mirror bus.
//
// Components publish connection health and failover notifications here,
// and the pipeline's bus sink mirrors canonical market events onto typed
// topics for external consumers. Delivery is fan-out, best-effort per
// subscriber; slow subscribers lose events rather than stalling producers.
package events
