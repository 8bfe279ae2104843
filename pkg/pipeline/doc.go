/*
Package pipeline implements the backpressured ingress between provider
adapters and the durable sink.

Many producers publish into a bounded queue; a single consumer drains
batches (by size or interval) and hands them to the sink, forcing a
periodic flush so quiet streams still reach disk. Producers on vendor
dispatch threads are never blocked in drop-oldest mode: overflow evicts the
oldest events and leaves a single coalescing Integrity{overflow} marker in
their place. Historical ingest uses block mode instead, suspending the
producer until the consumer makes room.

Sink write errors surface here as in-band Integrity{sink_failure} events;
the consumer keeps draining because losing a batch is preferred over
head-of-line blocking every stream in the process. Flush reports the
terminal error so batch callers (the backfill orchestrator) can abort.
*/
package pipeline
