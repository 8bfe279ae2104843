/*
Package sink defines the durable batch sink contract and its concrete
implementations.

The pipeline's single consumer is the only writer; sinks do not need to be
safe for concurrent Write calls, though the provided implementations are.
FileSink is the default durable sink: line-delimited JSON, one file per
(date, symbol, kind), optionally gzipped. BusSink mirrors events onto the
internal broker, and MultiSink composes the two.
*/
package sink
