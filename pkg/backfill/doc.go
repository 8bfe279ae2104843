// Package backfill orchestrates bulk historical ingest: one run at a
// time, per-symbol error isolation, block-mode publishing into the
// pipeline, and an atomically persisted run record.
package backfill
