/*
Package coordinator reconciles desired symbol configuration against live
provider subscriptions.

Apply computes the canonical desired set, unsubscribes what fell out,
subscribes or updates what remains, and records per-symbol vendor errors
as deferred ids so the next reconciliation retries them. Retarget re-issues
the whole set against a new provider after a failover; the old provider's
ids are forgotten rather than unsubscribed because that provider is
presumed unreachable.
*/
package coordinator
