/*
Package types defines the canonical market data event model shared by all
tickerd components.

Every datum that flows through the collector, whether a live trade from a
websocket feed or a daily bar from a historical download, is represented as
an Event carrying a tagged Payload variant. Provider adapters construct Raw
events, the normalizer promotes them to Normalized, and the pipeline drains
them into a sink. Events are treated as immutable once published.

Ordering contract: events sharing the same (Source, Symbol, Type) are
emitted with non-decreasing Sequence numbers, and the pipeline preserves
that order end to end. No ordering is guaranteed across symbols.

The package also holds the subscription, provider health, failover rule and
backfill record types that the coordinator, supervisor and orchestrator
exchange.
*/
package types
