/*
Package failover elects the active streaming provider per failover rule.

A rule names a primary provider and ordered backups. The supervisor scores
providers through the HealthTracker (consecutive failures and successes,
rolling latency), periodically evaluates every rule under one lock, and
publishes FailoverTriggered / FailoverRecovered events on the broker. The
subscription coordinator reacts by retargeting its subscription set.

Recovery is hysteretic: the primary must accumulate the rule's recovery
threshold of consecutive successes before traffic returns, which keeps a
flapping primary from oscillating the collector.
*/
package failover
