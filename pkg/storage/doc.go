// Package storage provides the BoltDB-backed checkpoint store: sequence
// watermarks, provider health snapshots, and the last backfill record.
// The durable event data itself lives in the sink, not here.
package storage
